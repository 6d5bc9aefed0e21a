package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
)

// ErrNoObject marks a commit marker that arrived without its object.
var ErrNoObject = errors.New("protocol: commit without object")

// EncodeRequest serializes a request and the crawler the server should run.
func EncodeRequest(req crawler.FetchRequest, crawlerName string) []byte {
	var out []byte
	field := func(name string, payload []byte) {
		out = append(out, EncodeCommand(RequestType+"."+name, payload)...)
	}
	out = append(out, EncodeCommand(RequestType+InitSuffix, nil)...)
	field("url", []byte(req.URL))
	field("timeout", []byte(strconv.Itoa(req.Timeout)))
	field("headers", marshalHeaders(req.Headers))
	field("ssl_verify", []byte(titleBool(req.SSLVerify)))
	field("ping", []byte(titleBool(req.Ping)))
	if req.UserAgent != "" {
		field("user_agent", []byte(req.UserAgent))
	}
	if crawlerName != "" {
		field("crawler_name", []byte(crawlerName))
	}
	return append(out, EncodeCommand(RequestType+CommitSuffix, nil)...)
}

// EncodeResponse serializes a response. Binary bodies travel base64 encoded.
func EncodeResponse(resp crawler.FetchResponse) []byte {
	var out []byte
	field := func(name string, payload []byte) {
		out = append(out, EncodeCommand(ResponseType+"."+name, payload)...)
	}
	out = append(out, EncodeCommand(ResponseType+InitSuffix, nil)...)
	field("url", []byte(resp.URL))
	field("request_url", []byte(resp.RequestURL))
	field("status_code", []byte(strconv.Itoa(resp.StatusCode)))
	field("headers", marshalHeaders(resp.Headers))
	field("encoding", []byte(resp.Encoding()))
	if resp.HasBody() {
		// A NUL inside the text would end the command early.
		if text := resp.Text(); !resp.IsBinarySource() && strings.IndexByte(text, Terminator) < 0 {
			field("text", []byte(text))
		} else {
			field("binary", []byte(base64.StdEncoding.EncodeToString(resp.Binary())))
		}
	}
	if len(resp.Errors) > 0 {
		data, _ := json.Marshal(resp.Errors)
		field("errors", data)
	}
	if len(resp.CrawlerData) > 0 {
		data, _ := json.Marshal(resp.CrawlerData)
		field("crawler_data", data)
	}
	field("crawl_time", []byte(strconv.FormatFloat(resp.CrawlTime.Seconds(), 'f', -1, 64)))
	return append(out, EncodeCommand(ResponseType+CommitSuffix, nil)...)
}

// CloseCommand is sent by a client once its response is complete.
func CloseCommand() []byte {
	return EncodeCommand(CommandsClose, nil)
}

// EventKind tells what a Session.Apply call completed.
type EventKind int

// Event kinds.
const (
	EventNone EventKind = iota
	EventRequest
	EventResponse
	EventClose
)

// Event is produced when an object commits or the peer asks to close.
type Event struct {
	Kind        EventKind
	Request     crawler.FetchRequest
	CrawlerName string
	Response    crawler.FetchResponse
}

// Session rebuilds objects from a command stream. Partially received
// objects are never surfaced.
type Session struct {
	req         *crawler.FetchRequest
	crawlerName string
	resp        *responseBuilder
}

type responseBuilder struct {
	resp     crawler.FetchResponse
	encoding string
	text     *string
	binary   []byte
}

// Apply consumes one command.
func (s *Session) Apply(cmd Command) (Event, error) {
	typ, field, found := strings.Cut(cmd.Name, ".")
	if !found {
		return Event{}, fmt.Errorf("%w: %q", ErrMalformed, cmd.Name)
	}
	switch typ {
	case RequestType:
		return s.applyRequest(field, cmd.Payload)
	case ResponseType:
		return s.applyResponse(field, cmd.Payload)
	case "commands":
		if field == "close" {
			return Event{Kind: EventClose}, nil
		}
		return Event{}, nil
	default:
		return Event{}, nil
	}
}

func (s *Session) applyRequest(field string, payload []byte) (Event, error) {
	switch field {
	case "__init__":
		req := crawler.FetchRequest{Headers: http.Header{}, SSLVerify: true}
		s.req = &req
		s.crawlerName = ""
		return Event{}, nil
	case "__del__":
		if s.req == nil {
			return Event{}, fmt.Errorf("%w: %s", ErrNoObject, RequestType)
		}
		ev := Event{Kind: EventRequest, Request: *s.req, CrawlerName: s.crawlerName}
		s.req = nil
		s.crawlerName = ""
		return ev, nil
	}
	if s.req == nil {
		req := crawler.FetchRequest{Headers: http.Header{}, SSLVerify: true}
		s.req = &req
	}
	var err error
	switch field {
	case "url":
		s.req.URL = string(payload)
	case "timeout":
		s.req.Timeout, err = parseTimeout(payload)
	case "headers":
		s.req.Headers, err = unmarshalHeaders(payload)
	case "ssl_verify":
		s.req.SSLVerify, err = strconv.ParseBool(strings.TrimSpace(string(payload)))
	case "ping":
		s.req.Ping, err = strconv.ParseBool(strings.TrimSpace(string(payload)))
	case "user_agent":
		s.req.UserAgent = string(payload)
	case "crawler_name":
		s.crawlerName = string(payload)
	}
	if err != nil {
		return Event{}, fmt.Errorf("decode %s.%s: %w", RequestType, field, err)
	}
	return Event{}, nil
}

func (s *Session) applyResponse(field string, payload []byte) (Event, error) {
	switch field {
	case "__init__":
		s.resp = &responseBuilder{resp: crawler.FetchResponse{Headers: http.Header{}}}
		return Event{}, nil
	case "__del__":
		if s.resp == nil {
			return Event{}, fmt.Errorf("%w: %s", ErrNoObject, ResponseType)
		}
		ev := Event{Kind: EventResponse, Response: s.resp.build()}
		s.resp = nil
		return ev, nil
	}
	if s.resp == nil {
		s.resp = &responseBuilder{resp: crawler.FetchResponse{Headers: http.Header{}}}
	}
	b := s.resp
	var err error
	switch field {
	case "url":
		b.resp.URL = string(payload)
	case "request_url":
		b.resp.RequestURL = string(payload)
	case "status_code":
		b.resp.StatusCode, err = strconv.Atoi(strings.TrimSpace(string(payload)))
	case "headers":
		b.resp.Headers, err = unmarshalHeaders(payload)
	case "encoding":
		b.encoding = string(payload)
	case "text":
		text := string(payload)
		b.text = &text
	case "binary":
		b.binary, err = base64.StdEncoding.DecodeString(string(payload))
	case "errors":
		err = json.Unmarshal(payload, &b.resp.Errors)
	case "crawler_data":
		err = json.Unmarshal(payload, &b.resp.CrawlerData)
	case "crawl_time":
		var secs float64
		secs, err = strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
		b.resp.CrawlTime = time.Duration(math.Round(secs * float64(time.Second)))
	}
	if err != nil {
		return Event{}, fmt.Errorf("decode %s.%s: %w", ResponseType, field, err)
	}
	return Event{}, nil
}

func (b *responseBuilder) build() crawler.FetchResponse {
	resp := b.resp
	if b.encoding != "" {
		resp.SetEncoding(b.encoding)
	}
	switch {
	case b.binary != nil:
		resp.SetBinary(b.binary)
	case b.text != nil:
		resp.SetText(*b.text)
	}
	return resp
}

// DecodeRequest decodes the first committed request in data.
func DecodeRequest(data []byte) (crawler.FetchRequest, string, error) {
	ev, err := decodeFirst(data, EventRequest)
	if err != nil {
		return crawler.FetchRequest{}, "", err
	}
	return ev.Request, ev.CrawlerName, nil
}

// DecodeResponse decodes the first committed response in data.
func DecodeResponse(data []byte) (crawler.FetchResponse, error) {
	ev, err := decodeFirst(data, EventResponse)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	return ev.Response, nil
}

func decodeFirst(data []byte, kind EventKind) (Event, error) {
	cmds, _, err := Decode(data)
	if err != nil {
		return Event{}, err
	}
	var s Session
	for _, cmd := range cmds {
		ev, err := s.Apply(cmd)
		if err != nil {
			return Event{}, err
		}
		if ev.Kind == kind {
			return ev, nil
		}
	}
	return Event{}, fmt.Errorf("protocol: no committed object in %d commands", len(cmds))
}

func marshalHeaders(h http.Header) []byte {
	if h == nil {
		h = http.Header{}
	}
	data, err := json.Marshal(h)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// unmarshalHeaders accepts both {"k": ["v"]} and {"k": "v"}.
func unmarshalHeaders(payload []byte) (http.Header, error) {
	if len(strings.TrimSpace(string(payload))) == 0 {
		return http.Header{}, nil
	}
	var multi map[string][]string
	if err := json.Unmarshal(payload, &multi); err == nil {
		return http.Header(multi), nil
	}
	var single map[string]string
	if err := json.Unmarshal(payload, &single); err != nil {
		return nil, fmt.Errorf("unmarshal headers: %w", err)
	}
	h := make(http.Header, len(single))
	for k, v := range single {
		h[k] = []string{v}
	}
	return h, nil
}

func parseTimeout(payload []byte) (int, error) {
	raw := strings.TrimSpace(string(payload))
	if raw == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func titleBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}
