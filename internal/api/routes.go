package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/goopkit/huddle/internal/call"
	"github.com/goopkit/huddle/internal/store"
	"github.com/goopkit/huddle/internal/util"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// Local control socket; the browser UI may load from file:// or a dev
	// server, so origin checks buy nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) register() {
	d := s.deps

	// GET /api/self: identity and node info.
	handleGet(s.mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"peer_id": d.Node.ID(),
			"uptime":  d.Node.Uptime().String(),
		})
	})

	// GET /api/peers: current presence snapshot.
	handleGet(s.mux, "/api/peers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Peers.Snapshot())
	})

	// POST /api/chats: create or update a chat and its member roster.
	handlePost(s.mux, "/api/chats", func(w http.ResponseWriter, r *http.Request, req struct {
		ID      string          `json:"id"`
		Title   string          `json:"title"`
		Members []store.Profile `json:"members"`
	}) {
		chatID, err := util.ValidateUID(req.ID)
		if err != nil {
			http.Error(w, "chat id: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := d.DB.UpsertChat(r.Context(), chatID, req.Title); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, m := range req.Members {
			if m.UID, err = util.ValidateUID(m.UID); err != nil {
				http.Error(w, "member uid: "+err.Error(), http.StatusBadRequest)
				return
			}
			if err := d.DB.AddChatMember(r.Context(), chatID, m); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		writeJSON(w, map[string]string{"status": "ok", "id": chatID})
	})

	// GET /api/history?chat_id=&limit=: recent chat messages, oldest first.
	handleGet(s.mux, "/api/history", func(w http.ResponseWriter, r *http.Request) {
		chatID := r.URL.Query().Get("chat_id")
		if chatID == "" {
			http.Error(w, "missing chat_id", http.StatusBadRequest)
			return
		}
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		msgs, err := d.DB.RecentMessages(r.Context(), chatID, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, msgs)
	})

	// GET /api/calls/recent: outcomes logged since startup.
	handleGet(s.mux, "/api/calls/recent", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.History.Recent())
	})

	s.registerCall()
}

func (s *Server) registerCall() {
	d := s.deps

	// POST /api/call/start
	handlePost(s.mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		ChatID string `json:"chat_id"`
		Video  bool   `json:"video"`
	}) {
		if req.ChatID == "" {
			http.Error(w, "missing chat_id", http.StatusBadRequest)
			return
		}
		sess, err := d.Calls.StartCall(r.Context(), req.ChatID, req.Video)
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]any{"status": string(sess.Status()), "chat_id": req.ChatID})
	})

	// POST /api/call/join
	handlePost(s.mux, "/api/call/join", func(w http.ResponseWriter, r *http.Request, req struct {
		ChatID string `json:"chat_id"`
	}) {
		if req.ChatID == "" {
			http.Error(w, "missing chat_id", http.StatusBadRequest)
			return
		}
		sess, err := d.Calls.JoinCall(r.Context(), req.ChatID)
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]any{"status": string(sess.Status()), "chat_id": req.ChatID})
	})

	// POST /api/call/decline
	handlePost(s.mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, req struct {
		ChatID string `json:"chat_id"`
	}) {
		if req.ChatID == "" {
			http.Error(w, "missing chat_id", http.StatusBadRequest)
			return
		}
		if err := d.Calls.DeclineCall(r.Context(), req.ChatID); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "declined", "chat_id": req.ChatID})
	})

	// POST /api/call/hangup
	handlePost(s.mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req struct {
		ChatID string `json:"chat_id"`
	}) {
		if req.ChatID == "" {
			http.Error(w, "missing chat_id", http.StatusBadRequest)
			return
		}
		if err := d.Calls.HangUp(r.Context(), req.ChatID); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "hung_up", "chat_id": req.ChatID})
	})

	// POST /api/call/toggle-mute
	handlePost(s.mux, "/api/call/toggle-mute", func(w http.ResponseWriter, r *http.Request, req struct {
		ChatID string `json:"chat_id"`
	}) {
		sess := d.Calls.Get(req.ChatID)
		if sess == nil {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}
		muted, err := sess.ToggleMute()
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// POST /api/call/screen-share
	handlePost(s.mux, "/api/call/screen-share", func(w http.ResponseWriter, r *http.Request, req struct {
		ChatID string `json:"chat_id"`
		On     bool   `json:"on"`
	}) {
		sess := d.Calls.Get(req.ChatID)
		if sess == nil {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}
		var err error
		if req.On {
			err = sess.StartScreenShare(r.Context())
		} else {
			err = sess.StopScreenShare(r.Context())
		}
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"sharing": req.On})
	})

	// GET /api/call/events: SSE stream of incoming-call announcements.
	// One manager-level channel feeds every connection, so this stays a
	// single subscriber; per-session events have their own endpoint.
	handleGet(s.mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ic, ok := <-d.Calls.Incoming():
				if !ok {
					return
				}
				data, err := json.Marshal(map[string]any{
					"type":    "incoming-call",
					"chat_id": ic.ChatID,
					"record":  ic.Record,
				})
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: call\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})

	// GET /api/call/session/events?chat_id=: SSE stream of live session events.
	// Each connection gets its own subscription, released on disconnect.
	handleGet(s.mux, "/api/call/session/events", func(w http.ResponseWriter, r *http.Request) {
		sess := d.Calls.Get(r.URL.Query().Get("chat_id"))
		if sess == nil {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}

		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		events, cancel := sess.Subscribe()
		defer cancel()

		data, _ := json.Marshal(sess.Snapshot())
		fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(evt)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
				flusher.Flush()
				if evt.Type == call.EventEnded {
					return
				}
			}
		}
	})

	// GET /api/call/ws?chat_id=: WebSocket feed of the same session events,
	// for UIs that prefer one bidirectional socket over SSE.
	s.mux.HandleFunc("/api/call/ws", func(w http.ResponseWriter, r *http.Request) {
		sess := d.Calls.Get(r.URL.Query().Get("chat_id"))
		if sess == nil {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("API: ws upgrade: %v", err)
			return
		}
		defer conn.Close()

		events, cancel := sess.Subscribe()
		defer cancel()

		// Drain client frames so pings and close frames are processed.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					cancel()
					return
				}
			}
		}()

		if err := conn.WriteJSON(sess.Snapshot()); err != nil {
			return
		}
		for evt := range events {
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
			if evt.Type == call.EventEnded {
				return
			}
		}
	})

	if d.Debug {
		// GET /api/call/debug: live session state for poking at the engine
		// without a UI.
		handleGet(s.mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
			sess := d.Calls.Active()
			if sess == nil {
				writeJSON(w, map[string]any{"active": false})
				return
			}
			writeJSON(w, map[string]any{
				"active":   true,
				"chat_id":  sess.ChatID(),
				"role":     sess.Role(),
				"snapshot": sess.Snapshot(),
			})
		})
	}
}

// callError maps engine errors to HTTP statuses.
func callError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, call.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, call.ErrNoCall):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, call.ErrEnded):
		http.Error(w, err.Error(), http.StatusGone)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
