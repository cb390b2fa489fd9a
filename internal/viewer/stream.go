package viewer

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheBlackmad/AutomatedHome/internal/imaging"
)

// keepAlive is how long a stream waits for a frame before resending the
// placeholder.
var keepAlive = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 256 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func blankJPEG() ([]byte, error) {
	img, err := imaging.RGBA(imaging.ColorBars(640, 480))
	if err != nil {
		return nil, err
	}
	return imaging.EncodeJPEG(img, 75)
}

// streamMJPEGFromChannel streams MJPEG from a subscriber channel.
func streamMJPEGFromChannel(w http.ResponseWriter, r *http.Request, frameCh <-chan []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	blank, err := blankJPEG()
	if err != nil {
		http.Error(w, "Failed to render frame", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		var jpegData []byte
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-frameCh:
			if !ok {
				return
			}
			jpegData = data
		case <-timer.C:
			// Nothing to show yet, keep the connection alive
			jpegData = blank
		}
		timer.Reset(keepAlive)

		if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
			log.Debug("MJPEG client disconnected during write: %v", err)
			return
		}
		if _, err := w.Write(jpegData); err != nil {
			log.Debug("MJPEG client disconnected during frame write: %v", err)
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			log.Debug("MJPEG client disconnected during delimiter write: %v", err)
			return
		}
		flusher.Flush()
	}
}

// streamWebSocket pushes each frame as one binary message.
func streamWebSocket(conn *websocket.Conn, frameCh <-chan []byte) {
	closed := make(chan struct{})
	go readPump(conn, closed)

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case data, ok := <-frameCh:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "viewer stopping"))
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				log.Debug("WebSocket write failed: %v", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads until the client goes away; clients never send data.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug("WebSocket read error: %v", err)
			}
			return
		}
	}
}
