package ipv6

const sizeHeader = 40

// ToS represents the IPv6 Traffic Class field (DSCP + ECN), same semantics as IPv4's ToS.
type ToS uint8

func (tos ToS) DS() uint8  { return uint8(tos) >> 2 }
func (tos ToS) ECN() uint8 { return uint8(tos & 0b11) }
