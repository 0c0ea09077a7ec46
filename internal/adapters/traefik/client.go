// Package traefik generates Docker labels that expose a Redroid ADB port
// through a Traefik TCP router.
package traefik

import (
	"fmt"
	"strconv"
)

// Client handles the logic for configuring Traefik.
type Client struct {
	baseDomain   string
	entryPoint   string
	certResolver string
	network      string
	publicPort   int
}

// Config holds the configuration for the Traefik adapter.
type Config struct {
	BaseDomain   string // e.g., "adb.phones.example.com"
	EntryPoint   string // e.g., "adb"
	CertResolver string // e.g., "myresolver" for Let's Encrypt
	Network      string // The name of the Docker network Traefik uses
	PublicPort   int    // Port of the entry point, 443 when unset
}

// New creates a new Traefik client.
func New(cfg Config) *Client {
	if cfg.PublicPort == 0 {
		cfg.PublicPort = 443
	}
	return &Client{
		baseDomain:   cfg.BaseDomain,
		entryPoint:   cfg.EntryPoint,
		certResolver: cfg.CertResolver,
		network:      cfg.Network,
		publicPort:   cfg.PublicPort,
	}
}

// ADBRoute returns the Docker labels routing <deviceID>.<baseDomain> to the
// container's ADB port, and the public address clients dial.
func (c *Client) ADBRoute(containerName, deviceID string, containerPort int) (labels map[string]string, address string) {
	host := fmt.Sprintf("%s.%s", deviceID, c.baseDomain)
	address = fmt.Sprintf("%s:%d", host, c.publicPort)

	labels = map[string]string{
		"traefik.enable": "true",
		// TCP routers match on SNI, so clients tunnel ADB over TLS.
		fmt.Sprintf("traefik.tcp.routers.%s.rule", containerName):        fmt.Sprintf("HostSNI(`%s`)", host),
		fmt.Sprintf("traefik.tcp.routers.%s.entrypoints", containerName): c.entryPoint,
		fmt.Sprintf("traefik.tcp.routers.%s.service", containerName):     containerName,
		fmt.Sprintf("traefik.tcp.services.%s.loadbalancer.server.port", containerName): strconv.Itoa(containerPort),
	}
	if c.certResolver != "" {
		labels[fmt.Sprintf("traefik.tcp.routers.%s.tls.certresolver", containerName)] = c.certResolver
	}
	if c.network != "" {
		labels["traefik.docker.network"] = c.network
	}
	return labels, address
}
