package provider

// ADB describes how to reach adbd.
type ADB struct {
	Host         string `json:"host" example:"10.0.3.17"`
	Port         int    `json:"port" example:"5555"`
	SerialNumber string `json:"serialNumber,omitempty" example:"10.0.3.17:5555"`
}

// Scrcpy describes a scrcpy mirroring endpoint.
type Scrcpy struct {
	Host       string `json:"host"`
	Port       int    `json:"port" example:"27183"`
	MaxBitrate int    `json:"maxBitrate" example:"8000000"`
	Codec      string `json:"codec" example:"h264"`
}

// WebRTC carries session-scoped credentials issued by a cloud provider.
type WebRTC struct {
	SessionID   string   `json:"sessionId,omitempty"`
	Signaling   string   `json:"signalingUrl,omitempty"`
	Ticket      string   `json:"ticket,omitempty"`
	ExpiresIn   int      `json:"expiresInSeconds,omitempty"`
	STUNServers []string `json:"stunServers,omitempty"`
}

// ConnectionInfo is the union of the fragments a device can expose.
type ConnectionInfo struct {
	ADB    *ADB    `json:"adb,omitempty"`
	Scrcpy *Scrcpy `json:"scrcpy,omitempty"`
	WebRTC *WebRTC `json:"webrtc,omitempty"`
}

// Empty is true when no fragment is present.
func (c ConnectionInfo) Empty() bool {
	return c.ADB == nil && c.Scrcpy == nil && c.WebRTC == nil
}

// Merge fills fragments missing from c with those of o.
func (c ConnectionInfo) Merge(o ConnectionInfo) ConnectionInfo {
	if c.ADB == nil {
		c.ADB = o.ADB
	}
	if c.Scrcpy == nil {
		c.Scrcpy = o.Scrcpy
	}
	if c.WebRTC == nil {
		c.WebRTC = o.WebRTC
	}
	return c
}
