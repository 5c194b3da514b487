package server

import (
	"log"
	"net"
	"strconv"
)

var (
	listen = net.Listen
)

// Server accepts inbound peer connections and hands them to the coordinator
// over Conns. It never touches session state itself.
type Server interface {
	Serve()
	Conns() <-chan net.Conn
	GetServerPort() int
	Close()
}

type server struct {
	port     int
	listener net.Listener
	conns    chan net.Conn
	quit     chan int
}

func NewServer(
	port int,
	quit chan int) (Server, error) {

	sv := &server{
		conns: make(chan net.Conn),
		quit:  quit,
	}
	listener, err := listen("tcp4", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	sv.listener = listener
	sv.port = listener.Addr().(*net.TCPAddr).Port
	return sv, nil
}

func (sv *server) Serve() {
	go func() {
		for {
			conn, err := sv.listener.Accept()
			if err != nil {
				select {
				case <-sv.quit:
					log.Println("[server] peer listener stopped")
				default:
					log.Printf("[server] accept: %v", err)
				}
				return
			}
			select {
			case sv.conns <- conn:
			case <-sv.quit:
				conn.Close()
				return
			}
		}
	}()
}

func (sv *server) Conns() <-chan net.Conn {
	return sv.conns
}

func (sv *server) GetServerPort() int {
	return sv.port
}

func (sv *server) Close() {
	sv.listener.Close()
}
