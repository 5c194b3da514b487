package tracker

import (
	"net"
	"net/http"
	"net/url"
	"strconv"

	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"

	"github.com/tluk11/Bit-Torrent/gobt/torrent"
)

func (tr *tracker) queryHTTPTracker(trackerURL string, event string) (*Response, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, errors.Wrapf(ErrTrackerFailure, "parse %s: %v", trackerURL, err)
	}
	if !u.IsAbs() {
		return nil, errors.Wrapf(ErrTrackerFailure, "%s is not absolute", trackerURL)
	}

	uploaded, downloaded, left := tr.stats.GetTrackerStats()
	q := u.Query()
	q.Set("info_hash", string(tr.torrent.InfoHash))
	q.Set("peer_id", string(torrent.PEER_ID))
	q.Set("port", strconv.Itoa(tr.port))
	q.Set("uploaded", strconv.Itoa(uploaded))
	q.Set("downloaded", strconv.Itoa(downloaded))
	q.Set("left", strconv.Itoa(left))
	q.Set("key", strconv.Itoa(int(tr.key)))
	q.Set("numwant", strconv.Itoa(tr.numwant))
	q.Set("compact", "1")
	if event != NONE {
		q.Set("event", event)
	}
	u.RawQuery = q.Encode()

	resp, err := http.Get(u.String())
	if err != nil {
		return nil, errors.Wrapf(ErrTrackerFailure, "%v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrTrackerFailure, "announce returned %s", resp.Status)
	}

	body, err := bencode.Decode(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(ErrTrackerFailure, "bencode: %v", err)
	}
	dict, ok := body.(map[string]interface{})
	if !ok {
		return nil, errors.Wrap(ErrTrackerFailure, "announce response is not a dictionary")
	}
	if reason, ok := dict["failure reason"].(string); ok && reason != "" {
		return nil, errors.Wrapf(ErrTrackerFailure, "%s", reason)
	}

	response := &Response{}
	if interval, ok := dict["interval"].(int64); ok {
		response.Interval = int(interval)
	}
	switch peers := dict["peers"].(type) {
	case string:
		// compact form: 6 bytes per peer, 4 IP + 2 port, network order
		raw := []byte(peers)
		for i := 0; i+6 <= len(raw); i += 6 {
			response.Peers = append(response.Peers, Peer{
				IP:   net.IPv4(raw[i], raw[i+1], raw[i+2], raw[i+3]),
				Port: int(raw[i+4])<<8 | int(raw[i+5]),
			})
		}
	case []interface{}:
		// dictionary form
		for _, entry := range peers {
			peerDict, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			ipStr, _ := peerDict["ip"].(string)
			port, _ := peerDict["port"].(int64)
			ip := net.ParseIP(ipStr)
			if ip == nil || port <= 0 {
				continue
			}
			response.Peers = append(response.Peers, Peer{IP: ip, Port: int(port)})
		}
	}
	return response, nil
}
