package aliyun

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
	"time"

	"device-orchestrator/pkg/rand"
)

// percentEncode is RFC 3986 encoding as the RPC signature defines it.
func percentEncode(s string) string {
	e := url.QueryEscape(s)
	e = strings.ReplaceAll(e, "+", "%20")
	e = strings.ReplaceAll(e, "*", "%2A")
	return strings.ReplaceAll(e, "%7E", "~")
}

// canonicalQuery sorts and encodes params.
func canonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = percentEncode(k) + "=" + percentEncode(params[k])
	}
	return strings.Join(parts, "&")
}

// Sign computes the HMAC-SHA1 signature (version 1.0) of an RPC request.
func Sign(method, secret string, params map[string]string) string {
	toSign := method + "&" + percentEncode("/") + "&" + percentEncode(canonicalQuery(params))
	mac := hmac.New(sha1.New, []byte(secret+"&"))
	mac.Write([]byte(toSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// signedQuery adds the common parameters and the signature to params.
func signedQuery(action, keyID, secret string, params map[string]string, now time.Time) string {
	all := make(map[string]string, len(params)+8)
	for k, v := range params {
		all[k] = v
	}
	all["Action"] = action
	all["Format"] = "JSON"
	all["Version"] = apiVersion
	all["AccessKeyId"] = keyID
	all["SignatureMethod"] = "HMAC-SHA1"
	all["SignatureVersion"] = "1.0"
	all["SignatureNonce"] = rand.Nonce(16)
	all["Timestamp"] = now.UTC().Format("2006-01-02T15:04:05Z")
	all["Signature"] = Sign("GET", secret, all)
	return canonicalQuery(all)
}
