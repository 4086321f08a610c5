package gena

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/beevik/etree"
	"github.com/google/uuid"
)

const maxNotifyBytes = 1 << 20

// Update is one renderer-initiated state change, decoded from a LastChange
// notification. Nil fields were absent from the event.
type Update struct {
	SID            string
	TransportState string
	Volume         *int
	Muted          *bool
}

// Server routes NOTIFY requests to per-subscription channels. Each
// registration gets an opaque callback path token so renderers cannot guess
// each other's endpoints.
type Server struct {
	basePath string
	logger   *slog.Logger

	mu       sync.Mutex
	channels map[string]chan Update
}

func NewServer(basePath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(99)}))
	}
	if basePath == "" {
		basePath = "/notify"
	}
	return &Server{
		basePath: strings.TrimSuffix(basePath, "/"),
		logger:   logger,
		channels: make(map[string]chan Update),
	}
}

// Register allocates a callback path and a channel that receives updates
// delivered to it. The returned path is relative; the caller prefixes the
// externally reachable host.
func (s *Server) Register() (string, <-chan Update) {
	token := uuid.NewString()
	ch := make(chan Update, 8)

	s.mu.Lock()
	s.channels[token] = ch
	s.mu.Unlock()

	return s.basePath + "/" + token, ch
}

// Unregister drops the registration and closes its channel.
func (s *Server) Unregister(path string) {
	token := strings.TrimPrefix(path, s.basePath+"/")

	s.mu.Lock()
	ch, ok := s.channels[token]
	delete(s.channels, token)
	s.mu.Unlock()

	if ok {
		close(ch)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "NOTIFY" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotifyBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	update, err := ParseNotify(body)
	if err != nil {
		s.logger.Debug("notify_parse_failed", slog.String("error", err.Error()))
		http.Error(w, "bad notify body", http.StatusBadRequest)
		return
	}
	update.SID = r.Header.Get("SID")

	token := strings.TrimPrefix(r.URL.Path, s.basePath+"/")
	if !s.deliver(token, update) {
		http.Error(w, "unknown subscription", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// deliver hands the update to the registered channel, dropping rather than
// blocking: the poll loop covers anything a slow consumer misses. The send
// stays under the lock so Unregister cannot close the channel mid-send.
func (s *Server) deliver(token string, update Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[token]
	if !ok {
		return false
	}
	select {
	case ch <- update:
	default:
		s.logger.Debug("notify_dropped", slog.String("sid", update.SID))
	}
	return true
}

// ParseNotify decodes a GENA propertyset body. The interesting state lives in
// the LastChange property, which is itself an XML document escaped inside the
// outer one.
func ParseNotify(body []byte) (Update, error) {
	outer := etree.NewDocument()
	if err := outer.ReadFromBytes(body); err != nil {
		return Update{}, err
	}

	lastChange := outer.FindElement("//LastChange")
	if lastChange == nil {
		return Update{}, nil
	}
	inner := strings.TrimSpace(lastChange.Text())
	if inner == "" {
		return Update{}, nil
	}

	event := etree.NewDocument()
	if err := event.ReadFromString(inner); err != nil {
		return Update{}, err
	}

	var update Update
	instance := event.FindElement("//InstanceID")
	if instance == nil {
		return update, nil
	}

	for _, child := range instance.ChildElements() {
		val := child.SelectAttrValue("val", "")
		switch child.Tag {
		case "TransportState":
			update.TransportState = val
		case "Volume":
			if channel := child.SelectAttrValue("channel", "Master"); channel != "Master" {
				continue
			}
			if volume, err := strconv.Atoi(val); err == nil {
				update.Volume = &volume
			}
		case "Mute":
			if channel := child.SelectAttrValue("channel", "Master"); channel != "Master" {
				continue
			}
			muted := val == "1" || strings.EqualFold(val, "true")
			update.Muted = &muted
		}
	}
	return update, nil
}
