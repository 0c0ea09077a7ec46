package traefik

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestADBRoute(t *testing.T) {
	c := New(Config{BaseDomain: "adb.example.com", EntryPoint: "adb", CertResolver: "le", Network: "edge"})

	labels, addr := c.ADBRoute("redroid-abc", "DEV1", 5555)

	assert.Equal(t, "DEV1.adb.example.com:443", addr)
	assert.Equal(t, "HostSNI(`DEV1.adb.example.com`)", labels["traefik.tcp.routers.redroid-abc.rule"])
	assert.Equal(t, "adb", labels["traefik.tcp.routers.redroid-abc.entrypoints"])
	assert.Equal(t, "5555", labels["traefik.tcp.services.redroid-abc.loadbalancer.server.port"])
	assert.Equal(t, "le", labels["traefik.tcp.routers.redroid-abc.tls.certresolver"])
	assert.Equal(t, "edge", labels["traefik.docker.network"])
}

func TestADBRouteOmitsOptionalLabels(t *testing.T) {
	c := New(Config{BaseDomain: "adb.local", EntryPoint: "adb", PublicPort: 5555})

	labels, addr := c.ADBRoute("redroid-x", "D", 5555)

	assert.Equal(t, "D.adb.local:5555", addr)
	assert.NotContains(t, labels, "traefik.docker.network")
	assert.NotContains(t, labels, "traefik.tcp.routers.redroid-x.tls.certresolver")
}
