package broker

import (
	"net/http"

	"github.com/coder/websocket"

	"github.com/marabrook/lobbybroker/internal/transport"
)

// Handler returns an http.HandlerFunc that upgrades each request to a
// websocket connection and hands it to Accept. The accept options mirror
// the teacher's lobby websocket handler, widened to an open origin policy
// since this broker has no authentication layer (spec.md §1 non-goals).
func (b *Broker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			b.logger.Warnf("broker: websocket accept error: %v", err)
			return
		}
		b.Accept(r.Context(), transport.NewWS(conn), r.RemoteAddr, r.URL.Path)
	}
}
