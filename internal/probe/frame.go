package probe

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/yuuki/flowping/internal/model"
)

const (
	// PingUDPPort is the destination port switches match to catch pings
	PingUDPPort = 50910
	pingTTL     = 64
)

var (
	// PingMAC is the destination address of every ping frame
	PingMAC = net.HardwareAddr{0x08, 0xed, 0x02, 0xe3, 0xff, 0xff}

	pingSourceIP = net.IPv4(192, 168, 0, 1)
	pingDestIP   = net.IPv4(192, 168, 0, 2)
)

// ErrNotPing is returned by UnwrapFrame for frames that are not pings
var ErrNotPing = errors.New("frame is not a ping")

// WrapFrame builds the ethernet frame carrying payload for ping. The
// frame is tagged when the ping has a source vlan.
func WrapFrame(ping model.Ping, payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       sourceMAC(ping.Source.Device),
		DstMAC:       PingMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      pingTTL,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    pingSourceIP,
		DstIP:    pingDestIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(PingUDPPort),
		DstPort: layers.UDPPort(PingUDPPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("failed to set checksum layer: %w", err)
	}

	stack := []gopacket.SerializableLayer{eth}
	if ping.SourceVlan > 0 {
		eth.EthernetType = layers.EthernetTypeDot1Q
		stack = append(stack, &layers.Dot1Q{
			VLANIdentifier: uint16(ping.SourceVlan),
			Type:           layers.EthernetTypeIPv4,
		})
	}
	stack = append(stack, ip, udp, gopacket.Payload(payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, stack...); err != nil {
		return nil, fmt.Errorf("failed to serialize ping frame: %w", err)
	}
	return buf.Bytes(), nil
}

// UnwrapFrame extracts the ping payload from a caught frame
func UnwrapFrame(frame []byte) ([]byte, error) {
	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	if errLayer := packet.ErrorLayer(); errLayer != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPing, errLayer.Error())
	}

	eth, ok := packet.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok || eth.DstMAC.String() != PingMAC.String() {
		return nil, ErrNotPing
	}
	udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok || udp.DstPort != layers.UDPPort(PingUDPPort) {
		return nil, ErrNotPing
	}
	return udp.Payload, nil
}

// sourceMAC uses the low six bytes of the datapath id as the source address
func sourceMAC(device model.DeviceID) net.HardwareAddr {
	mac := net.HardwareAddr{0, 0, 0, 0, 0, 0}
	hw, err := net.ParseMAC(string(device))
	if err != nil || len(hw) < 6 {
		return mac
	}
	copy(mac, hw[len(hw)-6:])
	return mac
}
