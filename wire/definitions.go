package wire

const (
	SizeHeaderIPv4 = 20
	SizeHeaderTCP  = 20
	SizeHeaderUDP  = 8
	SizeHeaderIPv6 = 40
)

// IPProto represents the IP protocol number carried in the IPv4 Protocol
// field / IPv6 Next Header field.
type IPProto uint8

// IP protocol numbers in use by this module and its neighboring frames.
const (
	IPProtoHopByHop IPProto = 0  // IPv6 Hop-by-Hop Option [RFC8200]
	IPProtoICMP     IPProto = 1  // Internet Control Message [RFC792]
	IPProtoTCP      IPProto = 6  // Transmission Control [RFC793]
	IPProtoUDP      IPProto = 17 // User Datagram [RFC768]
	IPProtoIPv6     IPProto = 41 // IPv6 encapsulation [RFC2473]
	IPProtoIPv6Frag IPProto = 44 // Fragment Header for IPv6 [RFC8200]
	IPProtoGRE      IPProto = 47 // Generic Routing Encapsulation [RFC2784]
	IPProtoESP      IPProto = 50 // Encap Security Payload [RFC4303]
	IPProtoAH       IPProto = 51 // Authentication Header [RFC4302]
	IPProtoIPv6ICMP IPProto = 58 // ICMP for IPv6 [RFC8200]
	IPProtoIPv6Opts IPProto = 60 // Destination Options for IPv6 [RFC8200]
	IPProtoSCTP     IPProto = 132
)

func (p IPProto) String() string {
	switch p {
	case IPProtoICMP:
		return "ICMP"
	case IPProtoTCP:
		return "TCP"
	case IPProtoUDP:
		return "UDP"
	case IPProtoIPv6:
		return "IPv6"
	case IPProtoIPv6ICMP:
		return "ICMPv6"
	default:
		return "IPProto(unknown)"
	}
}

// ToS and per-version fragmentation-flag helpers live in the ipv4 and ipv6
// packages themselves (their fields, their bit layouts); wire only holds
// what both frame types share.
