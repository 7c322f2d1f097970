package utils

import (
	"errors"
	"net"
)

// IsIpv6 判断给定的地址是否为 IPv6 地址
//
// 返回 (bool, error)：如果是 IPv6 地址返回 true，否则返回 false；如果地址无效，返回错误
func IsIpv6(address string) (bool, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return false, errors.New("invalid IP address: " + address)
	}
	return ip.To4() == nil, nil
}

// IsMulticastAddress 判断给定的地址是否为组播地址
func IsMulticastAddress(address string) bool {
	ip := net.ParseIP(address)
	return ip != nil && ip.IsMulticast()
}

// GetMulticastInterfaces 返回所有启用、正在运行、支持组播且不是回环的网络接口，
// 且接口上至少要有一个地址
//
// 没有这样的接口时说明还没有可用网络 (例如网线未插或 WiFi 未连接)
func GetMulticastInterfaces() ([]net.Interface, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	usable := make([]net.Interface, 0, len(interfaces))
	for _, iFace := range interfaces {
		if iFace.Flags&net.FlagUp == 0 ||
			iFace.Flags&net.FlagRunning == 0 ||
			iFace.Flags&net.FlagMulticast == 0 ||
			iFace.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iFace.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		usable = append(usable, iFace)
	}
	return usable, nil
}

// HasUsableInterface 判断是否存在启用、正在运行、不是回环且有地址的网络接口
//
// 拨号前用它判断网络是否已经就绪，和组播无关
func HasUsableInterface() bool {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iFace := range interfaces {
		if iFace.Flags&net.FlagUp == 0 ||
			iFace.Flags&net.FlagRunning == 0 ||
			iFace.Flags&net.FlagLoopback != 0 {
			continue
		}
		if addrs, err := iFace.Addrs(); err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

// IsNetworkUnreachable 判断拨号错误是否由网络不可达 (网络断开、没有路由) 导致
func IsNetworkUnreachable(err error) bool {
	for _, errno := range unreachableErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// IsLoopbackHost 判断 host:port 形式的地址是否指向本机回环地址
func IsLoopbackHost(address string) bool {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// GetInterfaceByIP 根据给定的 IP 地址获取对应的网络接口
// 返回 (*net.Interface, error)：找到的网络接口指针，如果未找到则返回 nil；如果发生错误，返回错误
func GetInterfaceByIP(ip net.IP) (*net.Interface, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iFace := range interfaces {
		addrs, err := iFace.Addrs()
		if err != nil {
			return nil, err
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.Equal(ip) {
				return &iFace, nil
			}
		}
	}
	return nil, nil
}

// WriteAllBytes 确保将所有数据写入到连接中
//
// conn: 目标连接
// data: 要写入的数据切片
func WriteAllBytes(conn net.Conn, data []byte) error {
	for len(data) > 0 {
		n, err := conn.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
