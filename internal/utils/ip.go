package utils

import (
	"net"
	"strconv"
)

// GetOutboundIP prefers the outbound IP of this machine
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP.String(), nil
}

// AdvertiseAddr turns a listener address into one a peer can dial. An
// explicit host wins; an unspecified bind address is replaced with the
// outbound IP. Non-TCP addresses are returned as they are.
func AdvertiseAddr(addr net.Addr, host string) string {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	port := strconv.Itoa(tcpAddr.Port)
	if host != "" {
		return net.JoinHostPort(host, port)
	}
	if tcpAddr.IP == nil || tcpAddr.IP.IsUnspecified() {
		ip, _ := GetOutboundIP()
		return net.JoinHostPort(ip, port)
	}
	return net.JoinHostPort(tcpAddr.IP.String(), port)
}
