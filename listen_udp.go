package coap

import (
	"net"
	"sync/atomic"
)

type UdpListener struct {
	name     string
	socket   *net.UDPConn
	handler  *Server
	shutdown atomic.Bool
}

func (l *UdpListener) listen(name string, addr string, handler *Server) error {

	uaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	listener, err := net.ListenUDP("udp", uaddr)
	if err != nil {
		return err
	}

	l.socket = listener
	l.name = name
	l.handler = handler
	go l.reader()
	return nil
}

func (l *UdpListener) reader() {

	var rawReq = make([]byte, 8192)

	rawLen, from, err := l.socket.ReadFromUDP(rawReq)
	if err != nil {
		if l.shutdown.Load() {
			return
		}
		logWarn(nil, err, "error reading datagram")
		go l.reader()
		return
	}
	rawReq = rawReq[:rawLen]

	go l.reader()

	l.handler.handleDatagram(rawReq, from.String(), l.name)
}

func (l *UdpListener) Send(addr string, data []byte) error {
	uaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	_, err = l.socket.WriteToUDP(data, uaddr)
	if err != nil {
		return err
	}
	return nil
}

func (l *UdpListener) close() error {
	l.shutdown.Store(true)
	return l.socket.Close()
}
