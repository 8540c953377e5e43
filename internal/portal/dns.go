package portal

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/miekg/dns"
)

// dnsTTL is short so clients re-resolve promptly once they are off the
// setup network.
const dnsTTL = 60

// dnsServer is the captive responder: every A query resolves to the
// access point address, so any hostname a joined phone tries lands on
// the portal. Non-A queries get an empty authoritative answer.
type dnsServer struct {
	ip     net.IP
	logger *slog.Logger
	srv    *dns.Server
}

// newDNSServer binds the UDP listener immediately so bind failures
// surface to the caller instead of a serving goroutine.
func newDNSServer(listen, apAddress string, logger *slog.Logger) (*dnsServer, error) {
	ip := net.ParseIP(apAddress)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("access point address %q is not an IPv4 address", apAddress)
	}

	pc, err := net.ListenPacket("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("bind captive dns listener: %w", err)
	}

	s := &dnsServer{ip: ip.To4(), logger: logger}
	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handle)
	s.srv = &dns.Server{PacketConn: pc, Handler: mux}
	return s, nil
}

func (s *dnsServer) start() {
	go func() {
		if err := s.srv.ActivateAndServe(); err != nil {
			s.logger.Error("captive dns responder failed", "error", err)
		}
	}()
}

func (s *dnsServer) stop() error {
	return s.srv.Shutdown()
}

func (s *dnsServer) addr() string {
	return s.srv.PacketConn.LocalAddr().String()
}

func (s *dnsServer) handle(w dns.ResponseWriter, req *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Authoritative = true

	for _, q := range req.Question {
		if q.Qtype != dns.TypeA {
			continue
		}
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    dnsTTL,
			},
			A: s.ip,
		})
		s.logger.Debug("captive dns answer", "name", q.Name)
	}

	if err := w.WriteMsg(m); err != nil {
		s.logger.Debug("captive dns reply failed", "error", err)
	}
}
