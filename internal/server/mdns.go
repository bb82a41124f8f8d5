package server

import (
	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"github.com/kelvan/mpd-coap/internal/resource"
)

const (
	MDNSService  = "_coap._udp"
	MDNSDomain   = "local."
	MDNSInstance = "mpd-coap"
)

// Advertiser announces the CoAP endpoint over mDNS.
type Advertiser struct {
	srv *zeroconf.Server
	log *logrus.Entry
}

// Advertise registers instance on port. TXT records carry the resource paths.
func Advertise(instance string, port int, site *resource.Site, log *logrus.Entry) (*Advertiser, error) {
	if instance == "" {
		instance = MDNSInstance
	}
	if log == nil {
		log = logrus.WithField("component", "mdns")
	}
	srv, err := zeroconf.Register(instance, MDNSService, MDNSDomain, port, TXTRecords(site), nil)
	if err != nil {
		return nil, err
	}
	log.Infof("mDNS: announced %s.%s%s on port %d", instance, MDNSService, "."+MDNSDomain, port)
	return &Advertiser{srv: srv, log: log}, nil
}

// TXTRecords lists "path=/..." entries for every non-discovery resource.
func TXTRecords(site *resource.Site) []string {
	var txt []string
	for _, l := range site.Links() {
		txt = append(txt, "path="+l.Href)
	}
	return txt
}

func (a *Advertiser) Shutdown() {
	a.srv.Shutdown()
	a.log.Infof("mDNS: withdrawn")
}
