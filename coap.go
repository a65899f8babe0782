package coap

import (
	"crypto/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Config carries the transmission parameters from RFC 7252 section 4.8 plus
// the observe heartbeat interval. Zero values are replaced with the RFC
// defaults by NewServer.
type Config struct {
	AckTimeout        time.Duration
	AckRandomFactor   float64
	MaxRetransmit     int
	NStart            int
	DefaultLeisure    time.Duration
	ProbingRate       int
	ExchangeLifetime  time.Duration
	MaxAgeDefault     time.Duration
	HeartbeatInterval time.Duration
}

func (c *Config) defaults() {
	if c.AckTimeout == 0 {
		c.AckTimeout = time.Second * 2
	}
	if c.AckRandomFactor == 0 {
		c.AckRandomFactor = 1.5
	}
	if c.MaxRetransmit == 0 {
		c.MaxRetransmit = 4
	}
	if c.NStart == 0 {
		c.NStart = 1
	}
	if c.DefaultLeisure == 0 {
		c.DefaultLeisure = time.Second * 5
	}
	if c.ProbingRate == 0 {
		c.ProbingRate = 1
	}
	if c.ExchangeLifetime == 0 {
		c.ExchangeLifetime = time.Second * 247
	}
	if c.MaxAgeDefault == 0 {
		c.MaxAgeDefault = time.Second * 60
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = time.Hour * 24
	}
}

// Server is a CoAP endpoint serving both the client and the server role over
// a single UDP socket.
type Server struct {
	config *Config

	udpListener *UdpListener
	routes      map[string]*routeEntry

	ids          *idAllocator
	transfers    *reliability
	dedup        *deduplicator
	pending      *pendingTable
	observations *observationRegistry
	observers    *clientObservers
	nstart       *nstartTable
	timers       *timerService

	rawWriter func(addr string, data []byte) error

	disposed atomic.Bool
}

func NewServer(conf *Config) *Server {
	if conf == nil {
		conf = &Config{}
	}
	conf.defaults()

	s := &Server{
		config: conf,
		routes: map[string]*routeEntry{},
	}
	s.rawWriter = s.socketWrite
	s.timers = newTimerService()
	s.ids = newIdAllocator()
	s.dedup = newDeduplicator(conf)
	s.pending = newPendingTable(conf)
	s.transfers = newReliability(conf, s.timers, s.writeRaw)
	s.observations = newObservationRegistry(s)
	s.observers = newClientObservers()
	s.nstart = newNstartTable()

	s.ids.holdMessageID = func(remote string, mid uint16) bool {
		return s.transfers.holdsMessageID(remote, mid) || s.dedup.holdsMessageID(remote, mid)
	}
	s.ids.holdToken = func(remote string, token []byte) bool {
		return s.pending.holdsToken(remote, token) || s.observations.holdsToken(remote, token)
	}
	s.transfers.subscribe(s.pending.handleTransferEvent)
	s.transfers.subscribe(s.observations.handleTransferEvent)
	return s
}

// ListenUDP starts a UDP listener on addr and begins serving inbound
// datagrams.
func (s *Server) ListenUDP(name string, addr string) error {
	l := &UdpListener{}
	if err := l.listen(name, addr, s); err != nil {
		return err
	}
	s.udpListener = l
	return nil
}

// ListenAddr returns the bound UDP address, or "" before ListenUDP.
func (s *Server) ListenAddr() string {
	if s.udpListener == nil {
		return ""
	}
	return s.udpListener.socket.LocalAddr().String()
}

// Shutdown stops the endpoint. Every active observation is sent a 4.04 Not
// Found NON and removed; new registrations and sends are refused with
// ErrShutdown afterwards.
func (s *Server) Shutdown() error {
	if !s.disposed.CompareAndSwap(false, true) {
		return ErrShutdown
	}

	var eg errgroup.Group
	eg.Go(func() error {
		s.observations.shutdown()
		return nil
	})
	eg.Go(func() error {
		s.pending.shutdown()
		return nil
	})
	err := eg.Wait()

	s.transfers.shutdown()
	s.dedup.shutdown()
	s.timers.shutdown()
	if s.udpListener != nil {
		return s.udpListener.close()
	}
	return err
}

// writeRaw pushes an encoded datagram to the remote. Single egress point for
// the reliability layer and the router.
func (s *Server) writeRaw(addr string, data []byte) error {
	metricMessagesSent.Inc()
	return s.rawWriter(addr, data)
}

func (s *Server) socketWrite(addr string, data []byte) error {
	if s.udpListener == nil {
		return ErrNoListener
	}
	return s.udpListener.Send(addr, data)
}

func randomBytes(length int) []byte {
	buf := make([]byte, length)
	rand.Read(buf)
	return buf
}
