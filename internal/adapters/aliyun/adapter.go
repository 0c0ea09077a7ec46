// Package aliyun drives Alibaba Cloud Elastic Cloud Phone (ECP) instances
// through the signed eds-aic RPC API.
package aliyun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"device-orchestrator/internal/adapters/cloudhttp"
	"device-orchestrator/internal/core/provider"
)

const apiVersion = "2023-09-30"

type Config struct {
	AccessKeyID     string
	AccessKeySecret string
	Region          string
	// Endpoint overrides https://eds-aic.<region>.aliyuncs.com.
	Endpoint     string
	ImageID      string
	OfficeSiteID string
	VSwitchID    string
}

type Adapter struct {
	cfg  Config
	base string
	http *cloudhttp.Client
	lg   zerolog.Logger
	now  func() time.Time
}

func New(cfg Config, hc *cloudhttp.Client, lg zerolog.Logger) *Adapter {
	if cfg.Region == "" {
		cfg.Region = "cn-hangzhou"
	}
	base := strings.TrimSuffix(cfg.Endpoint, "/")
	if base == "" {
		base = fmt.Sprintf("https://eds-aic.%s.aliyuncs.com", cfg.Region)
	}
	return &Adapter{cfg: cfg, base: base, http: hc, lg: lg.With().Str("adapter", "aliyun").Logger(), now: time.Now}
}

func (a *Adapter) Name() provider.Name { return provider.Aliyun }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Async: true, InstallApp: true}
}

type apiError struct {
	RequestID string `json:"RequestId"`
	Code      string `json:"Code"`
	Message   string `json:"Message"`
}

// classifyCode maps ECP error codes onto the provider error kinds.
func classifyCode(op, code string, status int, cause error) error {
	switch {
	case strings.HasPrefix(code, "QuotaExceeded"), strings.HasPrefix(code, "InsufficientResource"),
		strings.HasSuffix(code, ".NoStock"):
		return provider.ResourceExhausted(provider.Aliyun, op, cause)
	case strings.HasPrefix(code, "Throttling"), code == "ServiceUnavailable":
		return provider.Transient(provider.Aliyun, op, cause)
	case strings.HasPrefix(code, "InvalidAccessKeyId"), code == "SignatureDoesNotMatch", code == "Forbidden.RAM":
		return provider.Fatal(provider.Aliyun, op, cause)
	case strings.HasSuffix(code, ".NotFound"), strings.HasPrefix(code, "NotFound"):
		return provider.NotFound(provider.Aliyun, op, cause)
	}
	return cloudhttp.FromStatus(provider.Aliyun, op, status, cause)
}

// call issues one signed RPC action and decodes its JSON body into out.
func (a *Adapter) call(ctx context.Context, op, action string, params map[string]string, out any) error {
	q := signedQuery(action, a.cfg.AccessKeyID, a.cfg.AccessKeySecret, params, a.now())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/?"+q, nil)
	if err != nil {
		return provider.Fatal(provider.Aliyun, op, err)
	}
	raw, err := a.http.Call(ctx, op, req)
	if err != nil {
		var se *cloudhttp.StatusError
		if !errors.As(err, &se) {
			return err
		}
		var ae apiError
		_ = json.Unmarshal(se.Body, &ae)
		cause := fmt.Errorf("%s %s: %s (request %s)", action, ae.Code, ae.Message, ae.RequestID)
		return classifyCode(op, ae.Code, se.Status, cause)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return provider.Fatal(provider.Aliyun, op, fmt.Errorf("decode %s: %w", action, err))
	}
	return nil
}

// SelectInstanceType maps a CPU/memory shape onto an instance group spec.
func SelectInstanceType(cpu, memMB int) string {
	switch {
	case cpu >= 16 && memMB >= 32768:
		return "acp.basic.xlarge"
	case cpu >= 8 && memMB >= 16384:
		return "acp.basic.large"
	case cpu >= 4 && memMB >= 8192:
		return "acp.basic.medium"
	}
	return "acp.basic.small"
}

func stringConfig(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Provision creates a one-instance group. ClientToken carries the idempotency
// key, so ECP returns the original group when the call is repeated.
func (a *Adapter) Provision(ctx context.Context, spec provider.Spec) (provider.Instance, error) {
	if spec.IdempotencyKey == "" {
		return provider.Instance{}, provider.Fatal(provider.Aliyun, "provision", errors.New("idempotency key required"))
	}
	region := stringConfig(spec.Config, "regionId", a.cfg.Region)
	zone := stringConfig(spec.Config, "zoneId", region+"-b")
	itype := stringConfig(spec.Config, "instanceType", SelectInstanceType(spec.CPUCores, spec.MemoryMB))
	image := stringConfig(spec.Config, "imageId", a.cfg.ImageID)
	if image == "" {
		return provider.Instance{}, provider.Fatal(provider.Aliyun, "provision", errors.New("no image id configured"))
	}

	params := map[string]string{
		"BizRegionId":       region,
		"InstanceGroupSpec": itype,
		"ImageId":           image,
		"InstanceGroupName": stringConfig(spec.Config, "name", spec.Name),
		"NumberOfInstances": "1",
		"ChargeType":        stringConfig(spec.Config, "chargeType", "PostPaid"),
		"AutoPay":           "true",
		"ClientToken":       spec.IdempotencyKey,
	}
	if v := stringConfig(spec.Config, "officeSiteId", a.cfg.OfficeSiteID); v != "" {
		params["OfficeSiteId"] = v
	}
	if v := stringConfig(spec.Config, "vSwitchId", a.cfg.VSwitchID); v != "" {
		params["VSwitchId"] = v
	}

	var out struct {
		InstanceGroupIDs   []string `json:"InstanceGroupIds"`
		InstanceGroupInfos []struct {
			InstanceGroupID string   `json:"InstanceGroupId"`
			InstanceIDs     []string `json:"InstanceIds"`
		} `json:"InstanceGroupInfos"`
	}
	if err := a.call(ctx, "provision", "CreateAndroidInstanceGroup", params, &out); err != nil {
		return provider.Instance{}, err
	}
	for _, g := range out.InstanceGroupInfos {
		if len(g.InstanceIDs) == 0 {
			continue
		}
		a.lg.Info().Str("group", g.InstanceGroupID).Str("instance", g.InstanceIDs[0]).Str("spec", itype).
			Msg("instance group created")
		return provider.Instance{
			ID:     g.InstanceIDs[0],
			Status: provider.StatusPending,
			Config: map[string]any{
				"regionId":        region,
				"zoneId":          zone,
				"instanceType":    itype,
				"instanceGroupId": g.InstanceGroupID,
			},
		}, nil
	}
	return provider.Instance{}, provider.Transient(provider.Aliyun, "provision",
		fmt.Errorf("groups %v have no instances yet", out.InstanceGroupIDs))
}

type instanceModel struct {
	ID                 string `json:"AndroidInstanceId"`
	GroupID            string `json:"InstanceGroupId"`
	Status             string `json:"AndroidInstanceStatus"`
	NetworkInterfaceIP string `json:"NetworkInterfaceIp"`
	PublicIP           string `json:"PublicIp"`
	ADBServletAddress  string `json:"AdbServletAddress"`
}

func (a *Adapter) describe(ctx context.Context, op, id string) (instanceModel, error) {
	var out struct {
		InstanceModel []instanceModel `json:"InstanceModel"`
	}
	if err := a.call(ctx, op, "DescribeAndroidInstances", map[string]string{"AndroidInstanceIds.1": id}, &out); err != nil {
		return instanceModel{}, err
	}
	for _, m := range out.InstanceModel {
		if m.ID == id {
			if m.Status == "RELEASED" {
				break
			}
			return m, nil
		}
	}
	return instanceModel{}, provider.NotFound(provider.Aliyun, op, fmt.Errorf("instance %s", id))
}

func mapStatus(s string) provider.InstanceStatus {
	switch strings.ToUpper(s) {
	case "CREATING", "STARTING":
		return provider.StatusPending
	case "RUNNING":
		return provider.StatusRunning
	case "STOPPING", "STOPPED":
		return provider.StatusStopped
	case "RESTARTING", "REBOOTING":
		return provider.StatusRebooting
	case "DELETING":
		return provider.StatusDeleting
	case "EXCEPTION", "ERROR":
		return provider.StatusError
	}
	return provider.StatusUnknown
}

func (m instanceModel) ip() string {
	if m.NetworkInterfaceIP != "" {
		return m.NetworkInterfaceIP
	}
	return m.PublicIP
}

func (a *Adapter) Describe(ctx context.Context, id string) (provider.Description, error) {
	m, err := a.describe(ctx, "describe", id)
	if err != nil {
		return provider.Description{}, err
	}
	return provider.Description{Status: mapStatus(m.Status), IPAddress: m.ip()}, nil
}

func (a *Adapter) Start(ctx context.Context, id string) error {
	return a.call(ctx, "start", "StartAndroidInstance", map[string]string{"AndroidInstanceIds.1": id}, nil)
}

func (a *Adapter) Stop(ctx context.Context, id string) error {
	return a.call(ctx, "stop", "StopAndroidInstance", map[string]string{"AndroidInstanceIds.1": id}, nil)
}

func (a *Adapter) Reboot(ctx context.Context, id string) error {
	return a.call(ctx, "reboot", "RebootAndroidInstancesInGroup", map[string]string{"AndroidInstanceIds.1": id}, nil)
}

// Terminate deletes the instance's group; a group holds exactly one instance.
func (a *Adapter) Terminate(ctx context.Context, id string) error {
	m, err := a.describe(ctx, "terminate", id)
	if err != nil {
		return err
	}
	if m.GroupID == "" {
		return provider.Fatal(provider.Aliyun, "terminate", fmt.Errorf("instance %s has no group", id))
	}
	if err := a.call(ctx, "terminate", "DeleteAndroidInstanceGroup", map[string]string{"InstanceGroupIds.1": m.GroupID}, nil); err != nil {
		return err
	}
	a.lg.Info().Str("instance", id).Str("group", m.GroupID).Msg("instance group deleted")
	return nil
}

// FetchConnectionInfo returns a short-lived WebRTC ticket and, when ADB is
// enabled on the instance, an ADB fragment.
func (a *Adapter) FetchConnectionInfo(ctx context.Context, id string) (provider.ConnectionInfo, error) {
	m, err := a.describe(ctx, "connection_info", id)
	if err != nil {
		return provider.ConnectionInfo{}, err
	}
	if mapStatus(m.Status) != provider.StatusRunning {
		return provider.ConnectionInfo{}, provider.ErrNotRunning
	}

	var out struct {
		Models []struct {
			InstanceID string `json:"AndroidInstanceId"`
			Ticket     string `json:"ConnectionTicket"`
			TaskStatus string `json:"TaskStatus"`
		} `json:"InstanceConnectionModels"`
	}
	if err := a.call(ctx, "connection_info", "BatchGetAcpConnectionTicket", map[string]string{"InstanceIds.1": id}, &out); err != nil {
		return provider.ConnectionInfo{}, err
	}

	var ci provider.ConnectionInfo
	for _, t := range out.Models {
		if t.InstanceID == id && t.Ticket != "" {
			ci.WebRTC = &provider.WebRTC{
				SessionID: id,
				Signaling: fmt.Sprintf("wss://ecp-stream.%s.aliyuncs.com/stream/%s", a.cfg.Region, id),
				Ticket:    t.Ticket,
				ExpiresIn: 30,
			}
		}
	}
	if host, port, ok := splitHostPort(m.ADBServletAddress); ok {
		ci.ADB = &provider.ADB{Host: host, Port: port, SerialNumber: m.ADBServletAddress}
	}
	if ci.Empty() {
		return provider.ConnectionInfo{}, provider.Transient(provider.Aliyun, "connection_info",
			fmt.Errorf("ticket for %s not issued yet", id))
	}
	return ci, nil
}

func splitHostPort(addr string) (string, int, bool) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, false
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, false
	}
	return host, port, true
}

// InstallApp installs an app that was uploaded to the ECP app centre; App.ID
// is the ECP app id.
func (a *Adapter) InstallApp(ctx context.Context, id string, app provider.App) error {
	m, err := a.describe(ctx, "install_app", id)
	if err != nil {
		return err
	}
	var out struct {
		TaskID string `json:"TaskId"`
	}
	if err := a.call(ctx, "install_app", "InstallApp", map[string]string{
		"InstanceGroupIdList.1": m.GroupID,
		"AppIdList.1":           app.ID,
	}, &out); err != nil {
		return err
	}
	a.lg.Info().Str("instance", id).Str("app", app.ID).Str("task", out.TaskID).Msg("app install submitted")
	return nil
}
