package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"puppetmaster/internal/protocol"
)

func main() {
	var (
		url    = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name   = flag.String("name", "bot", "agent name")
		resume = flag.String("resume", "", "resume token from a previous WELCOME (optional)")
		script = flag.String("script", "Ability0,Ability1,Cancel,@Mend,Ability3,Confirm", "comma-separated steps: input names, or @AbilityID to activate by id")
		every  = flag.Uint64("every", 40, "send the next script step every N ticks")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		AgentName:       *name,
		ResumeToken:     strings.TrimSpace(*resume),
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	b := &bot{steps: parseScript(*script), every: *every}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			logger.Printf("WELCOME agent_id=%s resume=%s tick_rate=%d abilities=%d",
				w.AgentID, w.ResumeToken, w.WorldParams.TickRateHz, w.Catalogs.Abilities.Count)

		case protocol.TypeObs:
			var obs protocol.ObsMsg
			if err := json.Unmarshal(msg, &obs); err != nil {
				continue
			}
			for _, e := range obs.Events {
				logger.Printf("t=%d %v", obs.Tick, e)
			}
			if act, ok := b.next(&obs); ok {
				if err := conn.WriteJSON(act); err != nil {
					logger.Printf("send ACT: %v", err)
					return
				}
			}
		}
	}
}
