package types

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

type Proxy struct {
	ID         int64
	Address    string
	Port       int
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

func (p *Proxy) HostPort() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

func (p *Proxy) URL() *url.URL {
	return &url.URL{Scheme: "http", Host: p.HostPort()}
}

func (p *Proxy) String() string {
	return fmt.Sprintf("proxy#%d(%s)", p.ID, p.HostPort())
}
