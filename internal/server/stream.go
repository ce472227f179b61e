package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Novexpro/Novexpro-sub000/internal/model"
	"github.com/Novexpro/Novexpro-sub000/internal/pricestore"
)

const (
	streamWriteWait  = 5 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
	streamBuffer     = 64
)

// streamMessage is one pushed update.
type streamMessage struct {
	Feed       model.FeedID      `json:"feed"`
	Generation uint64            `json:"generation"`
	Quote      *model.PriceQuote `json:"quote,omitempty"`
	Error      string            `json:"error,omitempty"`
	Replay     bool              `json:"replay,omitempty"`
}

func (h *handlers) stream(w http.ResponseWriter, r *http.Request) {
	feeds, err := parseFeeds(r.URL.Query().Get("feeds"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	out := make(chan streamMessage, streamBuffer)

	for _, feed := range feeds {
		unsub := h.Hub.Subscribe(feed, func(u pricestore.Update) {
			msg := streamMessage{Feed: u.Feed, Generation: u.Generation, Replay: u.Replay}
			if u.HasValue() {
				q := u.Quote
				msg.Quote = &q
			}
			if u.Err != nil {
				msg.Error = u.Err.Error()
			}
			select {
			case out <- msg:
			case <-done:
			}
		})
		defer unsub()
	}

	// Reader: only control frames are expected; any error ends the session.
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case msg := <-out:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

// parseFeeds parses a comma separated feed list; empty means every feed.
func parseFeeds(raw string) ([]model.FeedID, error) {
	if strings.TrimSpace(raw) == "" {
		return model.AllFeeds(), nil
	}
	var feeds []model.FeedID
	for _, part := range strings.Split(raw, ",") {
		f, err := model.ParseFeedID(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, nil
}
