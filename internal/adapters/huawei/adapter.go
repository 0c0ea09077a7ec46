// Package huawei drives Huawei Cloud Phone (CPH) instances over its REST API.
package huawei

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"device-orchestrator/internal/adapters/cloudhttp"
	"device-orchestrator/internal/core/provider"
)

type Config struct {
	Region    string
	ProjectID string
	// Token is sent as X-Auth-Token.
	Token string
	// Endpoint overrides https://cph.<region>.myhuaweicloud.com.
	Endpoint string
	ServerID string
	ImageID  string
}

type Adapter struct {
	cfg  Config
	base string
	http *cloudhttp.Client
	lg   zerolog.Logger
}

func New(cfg Config, hc *cloudhttp.Client, lg zerolog.Logger) *Adapter {
	base := strings.TrimSuffix(cfg.Endpoint, "/")
	if base == "" {
		base = fmt.Sprintf("https://cph.%s.myhuaweicloud.com", cfg.Region)
	}
	return &Adapter{
		cfg:  cfg,
		base: fmt.Sprintf("%s/v1/%s/cloud-phone", base, cfg.ProjectID),
		http: hc,
		lg:   lg.With().Str("adapter", "huawei").Logger(),
	}
}

func (a *Adapter) Name() provider.Name { return provider.Huawei }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Async: true, InstallApp: true}
}

type apiError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_msg"`
}

var exhaustedCodes = map[string]bool{
	"CPS.0005": true, // insufficient resources
	"CPS.0010": true, // quota exceeded
}

func (a *Adapter) classify(op string, err error) error {
	var se *cloudhttp.StatusError
	if !errors.As(err, &se) {
		return err
	}
	var ae apiError
	_ = json.Unmarshal(se.Body, &ae)
	if exhaustedCodes[ae.Code] {
		return provider.ResourceExhausted(provider.Huawei, op, fmt.Errorf("%s: %s", ae.Code, ae.Message))
	}
	if ae.Code != "" {
		err = fmt.Errorf("%s: %s (http %d)", ae.Code, ae.Message, se.Status)
	}
	return cloudhttp.FromStatus(provider.Huawei, op, se.Status, err)
}

func (a *Adapter) do(ctx context.Context, op, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return provider.Fatal(provider.Huawei, op, err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return provider.Fatal(provider.Huawei, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Auth-Token", a.cfg.Token)

	raw, err := a.http.Call(ctx, op, req)
	if err != nil {
		return a.classify(op, err)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return provider.Fatal(provider.Huawei, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

type phone struct {
	ID          string       `json:"phone_id"`
	Name        string       `json:"phone_name"`
	Status      int          `json:"status"`
	AccessInfos []accessInfo `json:"access_infos,omitempty"`
}

type accessInfo struct {
	IntranetIP string `json:"intranet_ip"`
}

func (p phone) ip() string {
	for _, ai := range p.AccessInfos {
		if ai.IntranetIP != "" {
			return ai.IntranetIP
		}
	}
	return ""
}

// mapStatus translates CPH phone status codes.
func mapStatus(code int) provider.InstanceStatus {
	switch {
	case code < 0:
		return provider.StatusError
	case code == 0, code == 1, code == 7:
		return provider.StatusPending
	case code == 2:
		return provider.StatusRunning
	case code == 3, code == 4:
		return provider.StatusRebooting
	case code == 6:
		return provider.StatusError
	case code == 8:
		return provider.StatusStopped
	}
	return provider.StatusUnknown
}

// SelectSpec picks a phone flavour when the caller did not pass specId.
func SelectSpec(cpu, memMB int) string {
	switch {
	case cpu >= 8 && memMB >= 8192:
		return "cloudphone.rx1.8xlarge"
	case cpu >= 4 && memMB >= 4096:
		return "cloudphone.rx1.4xlarge"
	}
	return "cloudphone.rx1.2xlarge"
}

// PhoneName derives the CPH phone name from the idempotency key.
func PhoneName(key string) string {
	k := strings.ReplaceAll(key, "-", "")
	if len(k) > 20 {
		k = k[:20]
	}
	return "cph-" + k
}

func stringConfig(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}

func (a *Adapter) findByName(ctx context.Context, name string) (*phone, error) {
	var out struct {
		Phones []phone `json:"phones"`
	}
	if err := a.do(ctx, "provision", http.MethodGet, "/phones?phone_name="+url.QueryEscape(name), nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Phones {
		if out.Phones[i].Name == name {
			return &out.Phones[i], nil
		}
	}
	return nil, nil
}

// Provision creates a phone named after the idempotency key, or returns the
// phone an earlier attempt created.
func (a *Adapter) Provision(ctx context.Context, spec provider.Spec) (provider.Instance, error) {
	if spec.IdempotencyKey == "" {
		return provider.Instance{}, provider.Fatal(provider.Huawei, "provision", errors.New("idempotency key required"))
	}
	name := PhoneName(spec.IdempotencyKey)
	existing, err := a.findByName(ctx, name)
	if err != nil {
		return provider.Instance{}, err
	}
	specID := stringConfig(spec.Config, "specId", SelectSpec(spec.CPUCores, spec.MemoryMB))
	if existing != nil {
		a.lg.Info().Str("phone", existing.ID).Msg("phone already exists for key")
		return provider.Instance{
			ID:        existing.ID,
			Status:    mapStatus(existing.Status),
			IPAddress: existing.ip(),
			Config:    map[string]any{"specId": specID, "phoneName": name},
		}, nil
	}

	req := map[string]any{
		"phone_name":       name,
		"phone_model_name": specID,
		"image_id":         stringConfig(spec.Config, "imageId", a.cfg.ImageID),
		"server_id":        stringConfig(spec.Config, "serverId", a.cfg.ServerID),
		"property": map[string]any{
			"device_id": spec.DeviceID,
			"tenant_id": spec.TenantID,
		},
	}
	var out struct {
		RequestID string `json:"request_id"`
		PhoneID   string `json:"phone_id"`
	}
	if err := a.do(ctx, "provision", http.MethodPost, "/phones", req, &out); err != nil {
		return provider.Instance{}, err
	}
	if out.PhoneID == "" {
		return provider.Instance{}, provider.Fatal(provider.Huawei, "provision", fmt.Errorf("request %s returned no phone id", out.RequestID))
	}
	a.lg.Info().Str("phone", out.PhoneID).Str("spec", specID).Msg("phone creation requested")
	return provider.Instance{
		ID:     out.PhoneID,
		Status: provider.StatusPending,
		Config: map[string]any{"specId": specID, "phoneName": name},
	}, nil
}

type phoneRef struct {
	ID string `json:"phone_id"`
}

type batchResult struct {
	Errors []struct {
		PhoneID string `json:"phone_id"`
		apiError
	} `json:"errors"`
}

// batch calls a batch endpoint for one phone and surfaces its per-phone error.
func (a *Adapter) batch(ctx context.Context, op, path string, body any) error {
	var out batchResult
	if err := a.do(ctx, op, http.MethodPost, path, body, &out); err != nil {
		return err
	}
	return out.err(op)
}

func (b batchResult) err(op string) error {
	if len(b.Errors) == 0 {
		return nil
	}
	e := b.Errors[0]
	cause := fmt.Errorf("phone %s: %s: %s", e.PhoneID, e.Code, e.Message)
	if exhaustedCodes[e.Code] {
		return provider.ResourceExhausted(provider.Huawei, op, cause)
	}
	return provider.Fatal(provider.Huawei, op, cause)
}

func (a *Adapter) Start(ctx context.Context, id string) error {
	return a.batch(ctx, "start", "/phones/batch-restart", map[string]any{"phones": []phoneRef{{ID: id}}})
}

func (a *Adapter) Reboot(ctx context.Context, id string) error {
	return a.batch(ctx, "reboot", "/phones/batch-restart", map[string]any{"phones": []phoneRef{{ID: id}}})
}

func (a *Adapter) Stop(ctx context.Context, id string) error {
	return a.batch(ctx, "stop", "/phones/batch-stop", map[string]any{"phone_ids": []string{id}})
}

func (a *Adapter) Terminate(ctx context.Context, id string) error {
	return a.batch(ctx, "terminate", "/phones/batch-delete", map[string]any{"phone_ids": []string{id}})
}

func (a *Adapter) Describe(ctx context.Context, id string) (provider.Description, error) {
	var p phone
	if err := a.do(ctx, "describe", http.MethodGet, "/phones/"+url.PathEscape(id), nil, &p); err != nil {
		return provider.Description{}, err
	}
	return provider.Description{Status: mapStatus(p.Status), IPAddress: p.ip()}, nil
}

// FetchConnectionInfo requests a WebRTC session through batch-connection.
func (a *Adapter) FetchConnectionInfo(ctx context.Context, id string) (provider.ConnectionInfo, error) {
	d, err := a.Describe(ctx, id)
	if err != nil {
		return provider.ConnectionInfo{}, err
	}
	if d.Status != provider.StatusRunning {
		return provider.ConnectionInfo{}, provider.ErrNotRunning
	}

	var out struct {
		ConnectInfos []struct {
			PhoneID    string `json:"phone_id"`
			AccessInfo struct {
				AccessIP   string `json:"access_ip"`
				AccessPort int    `json:"access_port"`
				SessionID  string `json:"session_id"`
				Ticket     string `json:"ticket"`
			} `json:"access_info"`
		} `json:"connect_infos"`
		batchResult
	}
	if err := a.do(ctx, "connection_info", http.MethodPost, "/phones/batch-connection",
		map[string]any{"phone_ids": []string{id}}, &out); err != nil {
		return provider.ConnectionInfo{}, err
	}
	for _, ci := range out.ConnectInfos {
		if ci.PhoneID != id {
			continue
		}
		ai := ci.AccessInfo
		return provider.ConnectionInfo{WebRTC: &provider.WebRTC{
			SessionID: ai.SessionID,
			Signaling: fmt.Sprintf("wss://%s:%d", ai.AccessIP, ai.AccessPort),
			Ticket:    ai.Ticket,
		}}, nil
	}
	if err := out.err("connection_info"); err != nil {
		return provider.ConnectionInfo{}, err
	}
	return provider.ConnectionInfo{}, provider.ErrNotRunning
}

// ParseOBSPath accepts obs://bucket/key, /bucket/key and bucket/key.
func ParseOBSPath(p string) (bucket, object string, err error) {
	s := strings.TrimPrefix(p, "obs://")
	s = strings.TrimPrefix(s, "/")
	bucket, object, ok := strings.Cut(s, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("invalid OBS path %q, want obs://bucket/path", p)
	}
	return bucket, object, nil
}

// InstallApp installs an APK stored in OBS.
func (a *Adapter) InstallApp(ctx context.Context, id string, app provider.App) error {
	bucket, object, err := ParseOBSPath(app.Location)
	if err != nil {
		return provider.Fatal(provider.Huawei, "install_app", err)
	}
	return a.batch(ctx, "install_app", "/phones/batch-install", map[string]any{
		"phone_ids":   []string{id},
		"bucket_name": bucket,
		"object_path": object,
	})
}
