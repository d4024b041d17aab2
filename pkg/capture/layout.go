package capture

// SockLayout selects the socket fields a connection event is built from, as
// offsets from the socket handle.
//
// Both port fields hold network byte order. The family field holds host
// byte order.
type SockLayout struct {
	RemoteAddr4 uint64
	LocalAddr4  uint64
	RemotePort  uint64
	LocalPort   uint64
	Family      uint64
	RemoteAddr6 uint64
	LocalAddr6  uint64
}

// DefaultSockLayout is the layout the replay memory materialises sockets
// with. It is a synthetic layout and does not match any kernel struct: both
// ports here are network order, whereas struct sock_common keeps the local
// port in host order and the BPF object reads it from struct
// inet_sock. The BPF object resolves real kernel offsets through BTF.
var DefaultSockLayout = SockLayout{
	RemoteAddr4: 0,
	LocalAddr4:  4,
	RemotePort:  12,
	LocalPort:   14,
	Family:      16,
	RemoteAddr6: 56,
	LocalAddr6:  72,
}

// DefaultSockSize is the number of bytes DefaultSockLayout spans.
const DefaultSockSize = 88
