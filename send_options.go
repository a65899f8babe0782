package coap

import "time"

type SendOptions struct {
	maxRetransmit int
	ackTimeout    time.Duration
	randomFactor  float64
	nStart        int
}

func (s *Server) NewOptions() *SendOptions {
	return &SendOptions{
		maxRetransmit: s.config.MaxRetransmit,
		ackTimeout:    s.config.AckTimeout,
		randomFactor:  s.config.AckRandomFactor,
		nStart:        s.config.NStart,
	}
}

func (so *SendOptions) WithRetry(count int, timeout time.Duration, randomFactor float64) *SendOptions {
	so.maxRetransmit = count
	so.ackTimeout = timeout
	so.randomFactor = randomFactor
	return so
}

func (so *SendOptions) WithNStart(ns int) *SendOptions {
	so.nStart = ns
	return so
}

// maxWait is the span after which no ACK can arrive anymore
// (MAX_TRANSMIT_WAIT in RFC 7252 section 4.8.2).
func (so *SendOptions) maxWait() time.Duration {
	spans := float64(int(1)<<(so.maxRetransmit+1)) - 1
	return time.Duration(float64(so.ackTimeout) * spans * so.randomFactor)
}
