package aliyun

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-orchestrator/internal/adapters/cloudhttp"
	"device-orchestrator/internal/core/provider"
)

const secret = "s3cret"

type fakeECP struct {
	mu       sync.Mutex
	groups   map[string]string // client token -> instance id
	inst     map[string]*instanceModel
	calls    map[string][]map[string]string
	failWith map[string]string
}

func newFakeECP() *fakeECP {
	return &fakeECP{
		groups:   map[string]string{},
		inst:     map[string]*instanceModel{},
		calls:    map[string][]map[string]string{},
		failWith: map[string]string{},
	}
}

func (f *fakeECP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := map[string]string{}
	for k, v := range r.URL.Query() {
		q[k] = v[0]
	}
	sig := q["Signature"]
	delete(q, "Signature")
	if Sign("GET", secret, q) != sig {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(apiError{Code: "SignatureDoesNotMatch", Message: "bad signature"})
		return
	}
	action := q["Action"]
	f.calls[action] = append(f.calls[action], q)
	if code, ok := f.failWith[action]; ok {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(apiError{Code: code, Message: "injected", RequestID: "req-x"})
		return
	}

	reply := func(v any) { _ = json.NewEncoder(w).Encode(v) }
	switch action {
	case "CreateAndroidInstanceGroup":
		id, ok := f.groups[q["ClientToken"]]
		if !ok {
			id = "acp-" + string(rune('a'+len(f.groups)))
			f.groups[q["ClientToken"]] = id
			f.inst[id] = &instanceModel{ID: id, GroupID: "ag-" + id, Status: "CREATING", NetworkInterfaceIP: "192.168.0.9"}
		}
		reply(map[string]any{
			"InstanceGroupIds":   []string{"ag-" + id},
			"InstanceGroupInfos": []any{map[string]any{"InstanceGroupId": "ag-" + id, "InstanceIds": []string{id}}},
		})
	case "DescribeAndroidInstances":
		var out []instanceModel
		if m, ok := f.inst[q["AndroidInstanceIds.1"]]; ok {
			out = append(out, *m)
		}
		reply(map[string]any{"InstanceModel": out})
	case "StartAndroidInstance":
		f.inst[q["AndroidInstanceIds.1"]].Status = "RUNNING"
		reply(map[string]any{"RequestId": "r"})
	case "StopAndroidInstance":
		f.inst[q["AndroidInstanceIds.1"]].Status = "STOPPED"
		reply(map[string]any{"RequestId": "r"})
	case "DeleteAndroidInstanceGroup":
		for _, m := range f.inst {
			if m.GroupID == q["InstanceGroupIds.1"] {
				m.Status = "RELEASED"
			}
		}
		reply(map[string]any{"RequestId": "r"})
	case "BatchGetAcpConnectionTicket":
		reply(map[string]any{"InstanceConnectionModels": []any{map[string]any{
			"AndroidInstanceId": q["InstanceIds.1"], "ConnectionTicket": "ticket-1",
		}}})
	case "InstallApp":
		reply(map[string]any{"TaskId": "t-1"})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeECP) {
	t.Helper()
	f := newFakeECP()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	a := New(Config{AccessKeyID: "ak", AccessKeySecret: secret, Endpoint: srv.URL, ImageID: "img-1"},
		cloudhttp.New(provider.Aliyun, cloudhttp.Options{}, zerolog.Nop()), zerolog.Nop())
	return a, f
}

func TestSignMatchesPublishedExample(t *testing.T) {
	params := map[string]string{
		"AccessKeyId":      "testid",
		"Action":           "DescribeRegions",
		"Format":           "XML",
		"SignatureMethod":  "HMAC-SHA1",
		"SignatureNonce":   "3ee8c1b8-83d3-44af-a94f-4e0ad82fd6cf",
		"SignatureVersion": "1.0",
		"Timestamp":        "2016-02-23T12:46:24Z",
		"Version":          "2014-05-26",
	}
	assert.Equal(t, "OLeaidS1JvxuMvnyHOwuJ+uX5qY=", Sign("GET", "testsecret", params))
}

func TestPercentEncode(t *testing.T) {
	assert.Equal(t, "a%20b%2A~", percentEncode("a b*~"))
	assert.Equal(t, "2016-02-23T12%3A46%3A24Z", percentEncode("2016-02-23T12:46:24Z"))
}

func TestProvisionUsesClientToken(t *testing.T) {
	a, f := newTestAdapter(t)
	ctx := context.Background()
	spec := provider.Spec{IdempotencyKey: "key-1", Name: "phone", CPUCores: 4, MemoryMB: 8192}

	first, err := a.Provision(ctx, spec)
	require.NoError(t, err)
	second, err := a.Provision(ctx, spec)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, provider.StatusPending, first.Status)
	assert.Equal(t, "acp.basic.medium", first.Config["instanceType"])
	assert.Equal(t, "cn-hangzhou", first.Config["regionId"])
	assert.Equal(t, "cn-hangzhou-b", first.Config["zoneId"])

	create := f.calls["CreateAndroidInstanceGroup"][0]
	assert.Equal(t, "key-1", create["ClientToken"])
	assert.Equal(t, apiVersion, create["Version"])
	assert.Equal(t, "img-1", create["ImageId"])
}

func TestErrorCodes(t *testing.T) {
	cases := map[string]func(error) bool{
		"QuotaExceeded.Instance":        provider.IsResourceExhausted,
		"InsufficientResource":          provider.IsResourceExhausted,
		"Zone.NoStock":                  provider.IsResourceExhausted,
		"Throttling.User":               provider.IsTransient,
		"InvalidAccessKeyId.NotFound":   provider.IsFatal,
		"InvalidParameter.ImageId":      provider.IsFatal,
		"InvalidInstanceGroup.NotFound": provider.IsNotFound,
	}
	for code, check := range cases {
		a, f := newTestAdapter(t)
		f.failWith["CreateAndroidInstanceGroup"] = code
		_, err := a.Provision(context.Background(), provider.Spec{IdempotencyKey: "k"})
		assert.True(t, check(err), "%s: %v", code, err)
	}
}

func TestLifecycleAndConnection(t *testing.T) {
	a, f := newTestAdapter(t)
	ctx := context.Background()
	inst, err := a.Provision(ctx, provider.Spec{IdempotencyKey: "k"})
	require.NoError(t, err)

	d, err := a.Describe(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusPending, d.Status)
	assert.Equal(t, "192.168.0.9", d.IPAddress)

	_, err = a.FetchConnectionInfo(ctx, inst.ID)
	assert.ErrorIs(t, err, provider.ErrNotRunning)

	require.NoError(t, a.Start(ctx, inst.ID))
	f.inst[inst.ID].ADBServletAddress = "47.1.2.3:5037"
	ci, err := a.FetchConnectionInfo(ctx, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, ci.WebRTC)
	assert.Equal(t, "ticket-1", ci.WebRTC.Ticket)
	require.NotNil(t, ci.ADB)
	assert.Equal(t, 5037, ci.ADB.Port)

	require.NoError(t, a.Stop(ctx, inst.ID))
	d, err = a.Describe(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusStopped, d.Status)

	require.NoError(t, a.InstallApp(ctx, inst.ID, provider.App{ID: "app-77"}))
	assert.Equal(t, "ag-"+inst.ID, f.calls["InstallApp"][0]["InstanceGroupIdList.1"])

	require.NoError(t, a.Terminate(ctx, inst.ID))
	_, err = a.Describe(ctx, inst.ID)
	assert.True(t, provider.IsNotFound(err), "released instances are reported as not found")
	assert.True(t, provider.IsNotFound(a.Terminate(ctx, inst.ID)))
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, provider.StatusPending, mapStatus("STARTING"))
	assert.Equal(t, provider.StatusStopped, mapStatus("STOPPING"))
	assert.Equal(t, provider.StatusRebooting, mapStatus("RESTARTING"))
	assert.Equal(t, provider.StatusError, mapStatus("EXCEPTION"))
	assert.Equal(t, provider.StatusUnknown, mapStatus("??"))
}

func TestSelectInstanceType(t *testing.T) {
	assert.Equal(t, "acp.basic.small", SelectInstanceType(2, 4096))
	assert.Equal(t, "acp.basic.large", SelectInstanceType(8, 16384))
	assert.Equal(t, "acp.basic.xlarge", SelectInstanceType(16, 32768))
}
