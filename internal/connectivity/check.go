package connectivity

import (
	"context"
	"net"
	"net/http"
	"time"
)

// CheckInterfaces reports whether the OS has any non-loopback interface
// that is up and carries a unicast address. A link being up does not
// prove the backend is reachable.
func CheckInterfaces() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.IsGlobalUnicast() {
				return true
			}
		}
	}
	return false
}

// Checker produces one reachability sample.
type Checker func(ctx context.Context) bool

// InterfaceChecker adapts CheckInterfaces to Checker.
func InterfaceChecker() Checker {
	return func(context.Context) bool { return CheckInterfaces() }
}

// HealthChecker checks a backend health URL. Any response below 500
// counts as reachable.
func HealthChecker(client *http.Client, url string, timeout time.Duration) Checker {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) bool {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode < http.StatusInternalServerError
	}
}
