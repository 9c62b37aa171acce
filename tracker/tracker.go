// Package tracker implements the HTTP announce/scrape client: request
// construction, bencoded response parsing (both compact and
// dictionary peer-list shapes), and re-announce scheduling (spec.md
// §4.7).
package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/arashkasraei/gotorrent/bencode"
	"github.com/arashkasraei/gotorrent/bterr"
)

// decodeBody reads r fully and decodes it as one top-level bencode value.
func decodeBody(r io.Reader) (bencode.Value, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return bencode.Value{}, err
	}
	return bencode.DecodeTop(data)
}

// DefaultInterval is used when a tracker response carries neither
// "interval" nor "min interval" (spec.md §4.7).
const DefaultInterval = 1800 * time.Second

// PeerAddr is one (ip, port) pair extracted from an announce response.
type PeerAddr struct {
	IP   net.IP
	Port uint16
}

func (p PeerAddr) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// AnnounceRequest carries the parameters of one announce call.
type AnnounceRequest struct {
	URL        string
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      string // "started", "stopped", "completed", or ""
	NumWant    int
	Key        string
	TrackerID  string
}

// AnnounceResponse is the parsed result of a successful announce.
type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	TrackerID   string
	Peers       []PeerAddr
}

// Client issues announce/scrape requests over HTTP.
type Client struct {
	HTTP *http.Client
}

// NewClient builds a Client with the given request timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{HTTP: &http.Client{Timeout: timeout}}
}

// Announce issues one GET request per spec.md §4.7 and parses the
// bencoded response.
func (c *Client) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResponse, error) {
	u, err := buildAnnounceURL(req)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("%w: %v", bterr.ErrTrackerFailure, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("%w: %v", bterr.ErrTrackerFailure, err)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("%w: %v", bterr.ErrTrackerFailure, err)
	}
	defer resp.Body.Close()

	top, err := decodeBody(resp.Body)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("%w: %v", bterr.ErrBencodeMalformed, err)
	}

	if reason, ok := top.Get("failure reason"); ok {
		return AnnounceResponse{}, fmt.Errorf("%w: %s", bterr.ErrTrackerFailure, string(reason.Str))
	}
	if warn, ok := top.Get("warning message"); ok {
		return AnnounceResponse{}, fmt.Errorf("%w: %s", bterr.ErrTrackerFailure, string(warn.Str))
	}

	return parseAnnounceResponse(top)
}

func buildAnnounceURL(req AnnounceRequest) (string, error) {
	base, err := url.Parse(req.URL)
	if err != nil {
		return "", err
	}

	event := req.Event
	q := url.Values{
		"port":       []string{strconv.Itoa(int(req.Port))},
		"uploaded":   []string{strconv.FormatInt(req.Uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(req.Downloaded, 10)},
		"left":       []string{strconv.FormatInt(req.Left, 10)},
		"compact":    []string{"1"},
	}
	if event != "" {
		q.Set("event", event)
	}
	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(req.NumWant))
	}
	if req.Key != "" {
		q.Set("key", req.Key)
	}
	if req.TrackerID != "" {
		q.Set("trackerid", req.TrackerID)
	}

	base.RawQuery = q.Encode() + "&info_hash=" + percentEncode(req.InfoHash[:]) + "&peer_id=" + percentEncode(req.PeerID[:])
	return base.String(), nil
}

func percentEncode(b []byte) string {
	var sb strings.Builder
	for _, v := range b {
		// unreserved bytes may be passed through raw; everything else
		// percent-encoded, matching the tracker convention for binary
		// info_hash/peer_id query parameters.
		if (v >= 'A' && v <= 'Z') || (v >= 'a' && v <= 'z') || (v >= '0' && v <= '9') ||
			v == '.' || v == '-' || v == '_' || v == '~' {
			sb.WriteByte(v)
			continue
		}
		fmt.Fprintf(&sb, "%%%02X", v)
	}
	return sb.String()
}

func parseAnnounceResponse(top bencode.Value) (AnnounceResponse, error) {
	var resp AnnounceResponse

	if iv, ok := top.Get("interval"); ok {
		resp.Interval = time.Duration(iv.Int) * time.Second
	}
	if mi, ok := top.Get("min interval"); ok {
		resp.MinInterval = time.Duration(mi.Int) * time.Second
	}
	if tid, ok := top.Get("tracker id"); ok {
		resp.TrackerID = string(tid.Str)
	}

	peersV, ok := top.Get("peers")
	if !ok {
		return resp, fmt.Errorf("%w: announce response missing peers", bterr.ErrBencodeMalformed)
	}

	var peers []PeerAddr
	var err error
	switch peersV.Kind {
	case bencode.KindString:
		peers, err = ParseCompactPeers(peersV.Str)
	case bencode.KindList:
		peers, err = parseDictPeers(peersV)
	default:
		err = fmt.Errorf("%w: peers field has unexpected kind", bterr.ErrBencodeMalformed)
	}
	if err != nil {
		return AnnounceResponse{}, err
	}
	resp.Peers = peers
	return resp, nil
}

// ParseCompactPeers decodes a compact peer-list string: 6-byte records
// of 4-byte IPv4 + 2-byte big-endian port (spec.md §4.7, §8 scenario 6).
func ParseCompactPeers(data []byte) ([]PeerAddr, error) {
	const recordSize = 6
	if len(data)%recordSize != 0 {
		return nil, fmt.Errorf("%w: compact peers length %d not a multiple of %d", bterr.ErrBencodeMalformed, len(data), recordSize)
	}
	n := len(data) / recordSize
	peers := make([]PeerAddr, n)
	for i := 0; i < n; i++ {
		off := i * recordSize
		ip := make(net.IP, 4)
		copy(ip, data[off:off+4])
		port := binary.BigEndian.Uint16(data[off+4 : off+6])
		peers[i] = PeerAddr{IP: ip, Port: port}
	}
	return peers, nil
}

// parseDictPeers decodes the alternate non-compact shape: a list of
// dicts each with "ip" and "port" keys.
func parseDictPeers(list bencode.Value) ([]PeerAddr, error) {
	peers := make([]PeerAddr, 0, len(list.List))
	for _, item := range list.List {
		ipV, ok := item.Get("ip")
		if !ok {
			return nil, fmt.Errorf("%w: peer dict missing ip", bterr.ErrBencodeMalformed)
		}
		portV, ok := item.Get("port")
		if !ok {
			return nil, fmt.Errorf("%w: peer dict missing port", bterr.ErrBencodeMalformed)
		}
		ip := net.ParseIP(string(ipV.Str))
		if ip == nil {
			return nil, fmt.Errorf("%w: invalid ip %q", bterr.ErrBencodeMalformed, string(ipV.Str))
		}
		peers = append(peers, PeerAddr{IP: ip, Port: uint16(portV.Int)})
	}
	return peers, nil
}

// ScrapeResponse carries per-torrent swarm counters.
type ScrapeResponse struct {
	Complete   int64
	Downloaded int64
	Incomplete int64
}

// Scrape issues a scrape request derived from the announce URL by
// replacing the last path segment "announce" with "scrape" (spec.md
// §4.7; absent in the distilled spec, restored from original_source/
// tracker.py's scrape_url).
func (c *Client) Scrape(ctx context.Context, announceURL string, infoHash [20]byte) (ScrapeResponse, error) {
	scrapeURL, err := deriveScrapeURL(announceURL)
	if err != nil {
		return ScrapeResponse{}, fmt.Errorf("%w: %v", bterr.ErrTrackerFailure, err)
	}

	u, err := url.Parse(scrapeURL)
	if err != nil {
		return ScrapeResponse{}, fmt.Errorf("%w: %v", bterr.ErrTrackerFailure, err)
	}
	u.RawQuery = "info_hash=" + percentEncode(infoHash[:])

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return ScrapeResponse{}, fmt.Errorf("%w: %v", bterr.ErrTrackerFailure, err)
	}
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return ScrapeResponse{}, fmt.Errorf("%w: %v", bterr.ErrTrackerFailure, err)
	}
	defer resp.Body.Close()

	top, err := decodeBody(resp.Body)
	if err != nil {
		return ScrapeResponse{}, fmt.Errorf("%w: %v", bterr.ErrBencodeMalformed, err)
	}

	filesV, ok := top.Get("files")
	if !ok || len(filesV.Dict) == 0 {
		return ScrapeResponse{}, fmt.Errorf("%w: scrape response missing files", bterr.ErrBencodeMalformed)
	}
	entry := filesV.Dict[0].Value

	var out ScrapeResponse
	if v, ok := entry.Get("complete"); ok {
		out.Complete = v.Int
	}
	if v, ok := entry.Get("downloaded"); ok {
		out.Downloaded = v.Int
	}
	if v, ok := entry.Get("incomplete"); ok {
		out.Incomplete = v.Int
	}
	return out, nil
}

// deriveScrapeURL replaces the final "announce" path segment with
// "scrape"; any other final segment means this tracker doesn't
// support scraping.
func deriveScrapeURL(announceURL string) (string, error) {
	idx := strings.LastIndex(announceURL, "/")
	if idx < 0 {
		return "", fmt.Errorf("announce URL has no path segment")
	}
	segment := announceURL[idx+1:]
	if !strings.HasPrefix(segment, "announce") {
		return "", fmt.Errorf("tracker does not support scrape (announce URL segment is %q)", segment)
	}
	return announceURL[:idx+1] + "scrape" + strings.TrimPrefix(segment, "announce"), nil
}

// Scheduler tracks when the next announce is due for one tracker.
type Scheduler struct {
	clk      clock.Clock
	nextDue  time.Time
	interval time.Duration
}

// NewScheduler builds a Scheduler that considers an announce
// immediately due.
func NewScheduler(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{clk: clk, interval: DefaultInterval}
}

// Due reports whether it's time to re-announce.
func (s *Scheduler) Due() bool {
	return s.nextDue.IsZero() || !s.clk.Now().Before(s.nextDue)
}

// RecordResponse schedules the next announce at
// max(min_interval, interval), or DefaultInterval absent both
// (spec.md §4.7).
func (s *Scheduler) RecordResponse(resp AnnounceResponse) {
	interval := resp.Interval
	if resp.MinInterval > interval {
		interval = resp.MinInterval
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	s.interval = interval
	s.nextDue = s.clk.Now().Add(interval)
}

// RecordFailure reschedules at the last known interval (or default),
// so a flaky tracker is retried rather than abandoned (spec.md §7
// TrackerFailure: "log and retry at the scheduled interval").
func (s *Scheduler) RecordFailure() {
	interval := s.interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	s.nextDue = s.clk.Now().Add(interval)
}
