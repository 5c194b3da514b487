package tracker

import (
	"fmt"
	"math/rand"
	"net"

	"github.com/pkg/errors"

	"github.com/tluk11/Bit-Torrent/gobt/stats"
	"github.com/tluk11/Bit-Torrent/gobt/torrent"
)

const (
	NONE      = ""
	STARTED   = "started"
	COMPLETED = "completed"
	STOPPED   = "stopped"
)

// ErrTrackerFailure covers unreachable trackers and announce-level failure
// responses. Fatal at startup (unless the tracker is skipped), logged and
// retried on refresh.
var ErrTrackerFailure = errors.New("tracker failure")

type Peer struct {
	IP   net.IP
	Port int
}

func (p Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.IP.String(), p.Port)
}

type Response struct {
	Interval int
	Peers    []Peer
}

// Tracker announces our state and returns the swarm's peer list. The
// coordinator ignores Interval and refreshes on its own clock.
type Tracker interface {
	Announce(event string) (*Response, error)
}

type tracker struct {
	torrent *torrent.Torrent
	stats   stats.Stats
	port    int
	key     int32
	numwant int
}

func NewTracker(
	tor *torrent.Torrent,
	st stats.Stats,
	port int) Tracker {

	return &tracker{
		torrent: tor,
		stats:   st,
		port:    port,
		key:     rand.Int31(),
		numwant: 50,
	}
}

// Announce walks the announce list in priority order and returns the first
// successful response.
func (tr *tracker) Announce(event string) (*Response, error) {
	urls := tr.torrent.Trackers()
	if len(urls) == 0 {
		return nil, errors.Wrap(ErrTrackerFailure, "no announce URL")
	}

	var lastErr error
	for _, trackerURL := range urls {
		if len(trackerURL) < 7 || trackerURL[:7] != "http://" {
			if len(trackerURL) < 8 || trackerURL[:8] != "https://" {
				// udp:// and friends are out of scope
				continue
			}
		}
		resp, err := tr.queryHTTPTracker(trackerURL, event)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.Wrap(ErrTrackerFailure, "no usable announce URL")
	}
	return nil, lastErr
}
