package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sepwatch/sepwatch/internal/publisher"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// handleUpdates streams one delta per cycle over a websocket. The first
// frame is a full resync. ?encoding=msgpack selects binary frames.
func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	binary := r.URL.Query().Get("encoding") == "msgpack"

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reads only serve to notice the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	sub := s.engine.Subscribe(ctx)
	log := s.logger.With().Str("subscription", sub.ID).Str("remote", r.RemoteAddr).Logger()
	log.Info().Bool("msgpack", binary).Msg("Update subscriber connected")

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Update subscriber disconnected")
			return
		case d, ok := <-sub.C:
			if !ok {
				if errors.Is(sub.Err(), publisher.ErrSlowSubscriber) {
					log.Warn().Msg("Closing slow update subscriber")
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "slow subscriber, resubscribe"),
						time.Now().Add(writeWait))
				}
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := writeDelta(conn, d, binary); err != nil {
				log.Debug().Err(err).Msg("Update write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func writeDelta(conn *websocket.Conn, d publisher.Delta, binary bool) error {
	if !binary {
		return conn.WriteJSON(d)
	}
	wr, err := conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	enc := msgpack.NewEncoder(wr)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(d); err != nil {
		wr.Close()
		return err
	}
	return wr.Close()
}
