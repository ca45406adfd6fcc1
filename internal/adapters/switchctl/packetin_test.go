package switchctl

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

// buildFrame serializes an Ethernet/IPv4/TCP packet for test input.
func buildFrame(t *testing.T, srcMAC, dstIP string, dstPort int) []byte {
	t.Helper()

	mac, err := net.ParseMAC(srcMAC)
	require.NoError(t, err)

	eth := &layers.Ethernet{
		SrcMAC:       mac,
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP("192.168.1.20"),
		DstIP:    net.ParseIP(dstIP),
	}
	tcp := &layers.TCP{SrcPort: 40001, DstPort: layers.TCPPort(dstPort)}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload([]byte("telemetry"))))
	return buf.Bytes()
}

func TestDecodeFrame(t *testing.T) {
	raw := buildFrame(t, "aa:bb:cc:dd:ee:01", "10.0.0.5", 8883)

	obs, ok := decodeFrame(raw)
	require.True(t, ok)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", obs.MAC)
	assert.Equal(t, "192.168.1.20", obs.SrcIP)
	assert.Equal(t, "10.0.0.5", obs.DstIP)
	assert.Equal(t, 8883, obs.DstPort)
	assert.Equal(t, 40001, obs.SrcPort)
	assert.Equal(t, "tcp", obs.Protocol)
	assert.Equal(t, len(raw), obs.Size)
	assert.False(t, obs.At.IsZero())
}

func TestDecodeFrameGarbage(t *testing.T) {
	_, ok := decodeFrame([]byte{0x01, 0x02})
	assert.False(t, ok, "truncated frames are dropped")
}

func TestPacketInObserver(t *testing.T) {
	frame := buildFrame(t, "aa:bb:cc:dd:ee:02", "10.0.0.8", 443)

	upgrader := websocket.Upgrader{}
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// A garbled message first: the observer must skip it.
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))

		msg, _ := json.Marshal(packetInMessage{Dpid: 1, InPort: 3, Frame: frame})
		_ = conn.WriteMessage(websocket.TextMessage, msg)

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(wsSrv.Close)

	f := newFakeController(t, 1)
	c := newTestClient(t, f, func(cfg *Config) {
		cfg.PacketInURL = "ws" + strings.TrimPrefix(wsSrv.URL, "http")
	})

	got := make(chan domain.PacketObservation, 1)
	c.OnPacketIn(func(obs domain.PacketObservation) {
		select {
		case got <- obs:
		default:
		}
	})

	select {
	case obs := <-got:
		assert.Equal(t, "aa:bb:cc:dd:ee:02", obs.MAC)
		assert.Equal(t, "10.0.0.8", obs.DstIP)
		assert.Equal(t, 443, obs.DstPort)
		assert.Equal(t, "tcp", obs.Protocol)
	case <-time.After(2 * time.Second):
		t.Fatal("no packet observation delivered")
	}
}

func TestMockSwitch(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	rule := domain.ObserveRule("dev-1", "aa:bb:cc:00:00:01")
	require.NoError(t, m.InstallRule(ctx, rule))

	installed, err := m.InstalledRules(ctx)
	require.NoError(t, err)
	require.Len(t, installed, 1)

	m.SetFlowStats("AA:BB:CC:00:00:01", domain.FlowStats{Packets: 10})
	stats, err := m.FlowStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 10, stats["aa:bb:cc:00:00:01"].Packets)

	var seen domain.PacketObservation
	m.OnPacketIn(func(obs domain.PacketObservation) { seen = obs })
	m.InjectPacket(domain.PacketObservation{MAC: "aa:bb:cc:00:00:01", Size: 64})
	assert.Equal(t, 64, seen.Size)

	require.NoError(t, m.RemoveRule(ctx, rule.RuleID))
	assert.Equal(t, []string{rule.RuleID}, m.Removals())

	m.FailWith(domain.ErrSwitchUnavailable)
	assert.False(t, m.Healthy())
	assert.ErrorIs(t, m.InstallRule(ctx, rule), domain.ErrSwitchUnavailable)
}
