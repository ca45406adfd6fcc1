package switchctl

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/gorilla/websocket"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

const (
	packetInRedial    = time.Second
	packetInRedialMax = 30 * time.Second
)

// packetInMessage is one websocket frame from the controller. Frame is
// base64 in the JSON text; encoding/json decodes it to raw bytes.
type packetInMessage struct {
	Dpid   int64  `json:"dpid"`
	InPort int    `json:"in_port"`
	Frame  []byte `json:"frame"`
}

// observePackets keeps a packet-in subscription alive for the client's
// lifetime, redialing with backoff after any failure.
func (c *OFClient) observePackets(ctx context.Context) {
	defer c.wg.Done()

	backoff := packetInRedial
	for {
		if ctx.Err() != nil {
			return
		}

		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.PacketInURL, nil)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
			}
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Packet-in subscription failed", "url", c.cfg.PacketInURL, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < packetInRedialMax {
				backoff *= 2
			}
			continue
		}

		backoff = packetInRedial
		slog.Info("Packet-in observer connected", "url", c.cfg.PacketInURL)
		c.readPackets(ctx, conn)
		conn.Close()
	}
}

func (c *OFClient) readPackets(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close() // unblocks ReadMessage
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("Packet-in stream interrupted", "error", err)
			}
			return
		}

		var msg packetInMessage
		if err := json.Unmarshal(data, &msg); err != nil || len(msg.Frame) == 0 {
			continue // garbled message, keep reading
		}
		obs, ok := decodeFrame(msg.Frame)
		if !ok {
			continue
		}

		c.mu.Lock()
		fn := c.onPacket
		c.mu.Unlock()
		if fn != nil {
			fn(obs)
		}
	}
}

// decodeFrame turns a raw Ethernet frame into a packet observation.
// Frames without an Ethernet layer are dropped; non-IP frames keep only
// the L2 fields.
func decodeFrame(raw []byte) (domain.PacketObservation, bool) {
	packet := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.Default)

	ethLayer := packet.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return domain.PacketObservation{}, false
	}
	eth := ethLayer.(*layers.Ethernet)

	obs := domain.PacketObservation{
		MAC:  domain.NormalizeMAC(eth.SrcMAC.String()),
		Size: len(raw),
		At:   time.Now().UTC(),
	}

	if ipLayer := packet.Layer(layers.LayerTypeIPv4); ipLayer != nil {
		ip4 := ipLayer.(*layers.IPv4)
		obs.SrcIP = ip4.SrcIP.String()
		obs.DstIP = ip4.DstIP.String()

		switch ip4.Protocol {
		case layers.IPProtocolTCP:
			obs.Protocol = "tcp"
		case layers.IPProtocolUDP:
			obs.Protocol = "udp"
		case layers.IPProtocolICMPv4:
			obs.Protocol = "icmp"
		default:
			obs.Protocol = "other"
		}

		if tcpLayer := packet.Layer(layers.LayerTypeTCP); tcpLayer != nil {
			tcp := tcpLayer.(*layers.TCP)
			obs.DstPort = int(tcp.DstPort)
			obs.SrcPort = int(tcp.SrcPort)
		} else if udpLayer := packet.Layer(layers.LayerTypeUDP); udpLayer != nil {
			udp := udpLayer.(*layers.UDP)
			obs.DstPort = int(udp.DstPort)
			obs.SrcPort = int(udp.SrcPort)
		}
	} else if packet.Layer(layers.LayerTypeARP) != nil {
		obs.Protocol = "arp"
	}

	return obs, true
}
