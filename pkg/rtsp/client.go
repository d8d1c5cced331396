// Package rtsp implements a minimal interleaved-TCP RTSP client used for
// server-side frame ingest. It speaks RTSP over any net.Conn, which lets
// it run directly over a bridge without a local TCP hop.
package rtsp

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/unblink/unblink/pkg/logger"
)

// Client is an RTSP client bound to an existing connection.
type Client struct {
	url      string
	baseURL  string // Content-Base from DESCRIBE, used for SETUP/PLAY
	username string
	password string
	log      *logger.Logger
	conn     net.Conn
	reader   *bufio.Reader
	session  string
	cseq     int
	Channels map[byte]*Channel

	keepaliveInterval time.Duration
	keepaliveCancel   context.CancelFunc

	// Protects concurrent writes from the keepalive goroutine
	writeMu sync.Mutex

	// OnRTPPacket receives every interleaved RTP packet
	OnRTPPacket func(channel byte, packet *rtp.Packet)
}

// Channel is one RTP channel negotiated via SETUP.
type Channel struct {
	ID          byte
	MediaType   string // "video" or "audio"
	Control     string
	PayloadType uint8
}

// NewClient creates a client that will speak RTSP over conn. The URL is
// only used for request lines and credentials; no dialing happens here.
func NewClient(rtspURL string, conn net.Conn, log *logger.Logger) *Client {
	c := &Client{
		url:               rtspURL,
		conn:              conn,
		reader:            bufio.NewReaderSize(conn, 65536),
		log:               log.With("component", "rtsp_client"),
		Channels:          make(map[byte]*Channel),
		keepaliveInterval: 25 * time.Second,
	}

	// user:pass@host URLs carry credentials for DESCRIBE basic auth
	if at := strings.Index(rtspURL, "@"); at > 0 {
		if scheme := strings.Index(rtspURL, "://"); scheme > 0 && scheme+3 < at {
			creds := rtspURL[scheme+3 : at]
			if colon := strings.IndexByte(creds, ':'); colon >= 0 {
				c.username = creds[:colon]
				c.password = creds[colon+1:]
			}
		}
	}
	return c
}

// Handshake performs OPTIONS and DESCRIBE.
func (c *Client) Handshake(ctx context.Context) error {
	if err := c.options(); err != nil {
		return fmt.Errorf("OPTIONS: %w", err)
	}
	if err := c.describe(); err != nil {
		return fmt.Errorf("DESCRIBE: %w", err)
	}
	return nil
}

// SetupTracks sends SETUP for every negotiated channel.
func (c *Client) SetupTracks(ctx context.Context) error {
	for channelID, ch := range c.Channels {
		if err := c.setupTrack(channelID, ch); err != nil {
			return fmt.Errorf("setup track %d: %w", channelID, err)
		}
	}
	return nil
}

// Play starts streaming. Only the request is written here; the response
// arrives interleaved with packets and is handled in ReadPackets.
func (c *Client) Play(ctx context.Context) error {
	req := c.newRequest("PLAY", c.playURL())
	req.Header["Range"] = "npt=0.000-"

	if err := c.writeRequest(req); err != nil {
		return fmt.Errorf("PLAY: %w", err)
	}

	c.startKeepalive(ctx)
	return nil
}

func (c *Client) playURL() string {
	u := c.baseURL
	if u == "" {
		u = c.url
	}
	if !strings.HasSuffix(u, "/") {
		u += "/"
	}
	return u
}

// startKeepalive sends periodic OPTIONS so cameras keep the session open.
func (c *Client) startKeepalive(ctx context.Context) {
	keepaliveCtx, cancel := context.WithCancel(ctx)
	c.keepaliveCancel = cancel

	go func() {
		ticker := time.NewTicker(c.keepaliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-keepaliveCtx.Done():
				return
			case <-ticker.C:
				req := c.newRequest("OPTIONS", c.url)
				if err := c.writeRequest(req); err != nil {
					c.log.Warn("keepalive OPTIONS write failed", "error", err)
					return
				}
			}
		}
	}()
}

// ReadPackets reads the interleaved stream until error or context end.
// RTSP responses mixed into the stream (PLAY, keepalive) are consumed.
func (c *Client) ReadPackets(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		// Interleaved packet: '$', channel, 2-byte size. Anything else
		// is either an RTSP response or noise.
		buf4, err := c.reader.Peek(4)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("peek: %w", err)
		}

		if buf4[0] != '$' {
			if string(buf4) == "RTSP" {
				if _, err := c.readResponseNoDeadline(); err != nil {
					return fmt.Errorf("read interleaved response: %w", err)
				}
				continue
			}
			// Resync byte by byte
			if _, err := c.reader.ReadByte(); err != nil {
				return fmt.Errorf("discard unexpected byte: %w", err)
			}
			continue
		}

		channel := buf4[1]
		size := binary.BigEndian.Uint16(buf4[2:4])

		if _, err := c.reader.Discard(4); err != nil {
			return fmt.Errorf("discard header: %w", err)
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(c.reader, payload); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read payload: %w", err)
		}

		// RTP on even channels, RTCP on odd
		if channel%2 != 0 {
			continue
		}

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(payload); err != nil {
			c.log.Warn("bad RTP packet", "channel", channel, "size", size, "error", err)
			continue
		}

		if c.OnRTPPacket != nil {
			c.OnRTPPacket(channel, packet)
		}
	}
}

// Close sends TEARDOWN and closes the connection.
func (c *Client) Close() error {
	if c.keepaliveCancel != nil {
		c.keepaliveCancel()
		c.keepaliveCancel = nil
	}

	if c.conn != nil {
		req := c.newRequest("TEARDOWN", c.url)
		_ = c.writeRequest(req)
		return c.conn.Close()
	}
	return nil
}

func (c *Client) options() error {
	req := c.newRequest("OPTIONS", c.url)
	_, err := c.do(req)
	return err
}

func (c *Client) describe() error {
	req := c.newRequest("DESCRIBE", c.url)
	req.Header["Accept"] = "application/sdp"

	if c.username != "" {
		auth := c.username + ":" + c.password
		req.Header["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(auth))
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}

	// Some servers expect SETUP/PLAY against Content-Base, not the
	// original request URL
	if contentBase := resp.Header["Content-Base"]; contentBase != "" {
		c.baseURL = strings.TrimSpace(contentBase)
	} else {
		c.baseURL = c.url
	}

	if err := c.parseSDP(string(resp.Body)); err != nil {
		return fmt.Errorf("parse SDP: %w", err)
	}
	return nil
}

func (c *Client) parseSDP(sdp string) error {
	var channelID byte

	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		// m=video 0 RTP/AVP 96
		if strings.HasPrefix(line, "m=") {
			parts := strings.Fields(line)
			if len(parts) >= 4 {
				var pt uint8
				if ptVal, err := strconv.Atoi(parts[3]); err == nil {
					pt = uint8(ptVal)
				}

				c.Channels[channelID] = &Channel{
					ID:          channelID,
					MediaType:   parts[0][2:],
					PayloadType: pt,
				}
				channelID += 2 // RTP on even, RTCP on odd
			}
		}

		// a=control:track1
		if strings.HasPrefix(line, "a=control:") && channelID >= 2 {
			if ch, ok := c.Channels[channelID-2]; ok {
				ch.Control = strings.TrimPrefix(line, "a=control:")
			}
		}
	}

	c.log.Info("parsed SDP", "tracks", len(c.Channels))
	return nil
}

func (c *Client) setupTrack(channelID byte, ch *Channel) error {
	controlURL := ch.Control
	if !strings.HasPrefix(controlURL, "rtsp://") && !strings.HasPrefix(controlURL, "rtsps://") {
		base := strings.TrimSuffix(c.baseURL, "/")
		controlURL = base + "/" + strings.TrimPrefix(controlURL, "/")
	}

	req := c.newRequest("SETUP", controlURL)
	req.Header["Transport"] = fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=%d-%d",
		channelID, channelID+1)

	resp, err := c.do(req)
	if err != nil {
		return err
	}

	if c.session == "" {
		session := resp.Header["Session"]
		// Session might be "123456;timeout=60"
		if idx := strings.IndexByte(session, ';'); idx > 0 {
			session = session[:idx]
		}
		c.session = session
	}

	c.log.Info("track setup complete",
		"channel", channelID,
		"type", ch.MediaType,
		"session", c.session)
	return nil
}

func (c *Client) newRequest(method, url string) *Request {
	c.cseq++
	return &Request{
		Method: method,
		URL:    url,
		Header: make(map[string]string),
		CSeq:   c.cseq,
	}
}

func (c *Client) do(req *Request) (*Response, error) {
	if err := c.writeRequest(req); err != nil {
		return nil, err
	}
	return c.readResponse()
}

func (c *Client) writeRequest(req *Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.session != "" {
		req.Header["Session"] = c.session
	}

	var buf strings.Builder
	buf.WriteString(fmt.Sprintf("%s %s RTSP/1.0\r\n", req.Method, req.URL))
	buf.WriteString(fmt.Sprintf("CSeq: %d\r\n", req.CSeq))
	buf.WriteString("User-Agent: unblink-relay/1.0\r\n")

	for k, v := range req.Header {
		buf.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
	}
	buf.WriteString("\r\n")

	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	if _, err := c.conn.Write([]byte(buf.String())); err != nil {
		return err
	}

	c.log.Debug("sent request", "method", req.Method, "cseq", req.CSeq)
	return nil
}

func (c *Client) readResponse() (*Response, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(15 * time.Second)); err != nil {
		return nil, err
	}
	return c.readResponseNoDeadline()
}

func (c *Client) readResponseNoDeadline() (*Response, error) {
	statusLine, err := c.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid status line: %s", statusLine)
	}

	statusCode, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid status code: %s", parts[1])
	}

	resp := &Response{
		StatusCode: statusCode,
		Header:     make(map[string]string),
	}

	var contentLength int
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			break
		}

		if idx := strings.IndexByte(line, ':'); idx > 0 {
			key := strings.TrimSpace(line[:idx])
			value := strings.TrimSpace(line[idx+1:])
			resp.Header[key] = value

			if key == "Content-Length" {
				contentLength, _ = strconv.Atoi(value)
			}
		}
	}

	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(c.reader, body); err != nil {
			return nil, err
		}
		resp.Body = body
	}

	if statusCode != 200 {
		return nil, fmt.Errorf("RTSP error: %d", statusCode)
	}
	return resp, nil
}

// Request is an outgoing RTSP request.
type Request struct {
	Method string
	URL    string
	Header map[string]string
	CSeq   int
}

// Response is a parsed RTSP response.
type Response struct {
	StatusCode int
	Header     map[string]string
	Body       []byte
}
