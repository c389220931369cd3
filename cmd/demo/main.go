// Command demo wires every piece of this module together end to end: the
// relay (internal/relay), the outer session's PAKE handshake
// (internal/sessioncrypto), the WebRTC signalling task (task) and, once
// handover completes, a real pion data channel (internal/pionchannel). It
// is a netcat-like pipe over WebRTC, grounded on cmd/ww/main.go's
// send/receive/server subcommands and cmd/rtcpipe/main.go's pipe.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/NYTimes/gziphandler"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"
	"nhooyr.io/websocket"

	"github.com/saltyrtc/webrtc-handover-task-go/internal/pairing"
	"github.com/saltyrtc/webrtc-handover-task-go/internal/pionchannel"
	"github.com/saltyrtc/webrtc-handover-task-go/internal/relay"
	"github.com/saltyrtc/webrtc-handover-task-go/internal/sessioncrypto"
	"github.com/saltyrtc/webrtc-handover-task-go/task"
)

// dataChannelMaxMessageSize bounds both the pion read buffer and the
// chunk length the task negotiates, matching the conservative SCTP
// message-size ceiling cmd/rtcpipe/dial.go assumes browsers support.
const dataChannelMaxMessageSize = 16 << 10

var subcmds = map[string]func(args []string){
	"send":    send,
	"receive": receive,
	"relay":   runRelay,
}

var (
	iceserv = flag.String("ice", "stun:stun.l.google.com:19302", "stun or turn servers to use")
	sigserv = flag.String("signal", "ws://127.0.0.1:8080/", "signalling relay to use")
)

func usage() {
	w := flag.CommandLine.Output()
	fmt.Fprintf(w, "demo wires the task package to a real relay and WebRTC data channel.\n\n")
	fmt.Fprintf(w, "usage:\n\n  %s [flags] <command> [arguments]\n\ncommands:\n", os.Args[0])
	for name := range subcmds {
		fmt.Fprintf(w, "  %s\n", name)
	}
	fmt.Fprintf(w, "\nflags:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	cmd, ok := subcmds[flag.Arg(0)]
	if !ok {
		usage()
		os.Exit(2)
	}
	cmd(flag.Args()[1:])
}

func fatalf(format string, v ...interface{}) {
	fmt.Fprintf(flag.CommandLine.Output(), format+"\n", v...)
	os.Exit(1)
}

func runRelay(args []string) {
	set := flag.NewFlagSet("relay", flag.ExitOnError)
	httpaddr := set.String("http", ":8080", "http listen address")
	httpsaddr := set.String("https", "", "https listen address, empty to disable")
	whitelist := set.String("hosts", "", "comma separated hosts to request let's encrypt certs for")
	secretpath := set.String("secrets", os.Getenv("HOME")+"/.demo-relay", "path to put let's encrypt cache")
	set.Parse(args)

	reg := prometheus.NewRegistry()
	srv := relay.NewServer(log.Default(), relay.NewMetrics(reg))

	mux := http.NewServeMux()
	mux.Handle("/metrics", gziphandler.GzipHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	mux.Handle("/", srv)

	if *httpsaddr != "" {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(*secretpath),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(strings.Split(*whitelist, ",")...),
		}
		ssrv := &http.Server{
			Addr:      *httpsaddr,
			Handler:   mux,
			TLSConfig: &tls.Config{GetCertificate: m.GetCertificate},
		}
		go func() { log.Fatal(ssrv.ListenAndServeTLS("", "")) }()
		log.Fatal(http.ListenAndServe(*httpaddr, m.HTTPHandler(mux)))
		return
	}
	log.Fatal(http.ListenAndServe(*httpaddr, mux))
}

func rtcConfiguration() webrtc.Configuration {
	cfg := webrtc.Configuration{}
	for _, s := range strings.Split(*iceserv, ",") {
		if s == "" {
			continue
		}
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{s}})
	}
	return cfg
}

// send books a new slot, prints a pairing code for the receiving side, and
// pipes stdin to the peer once handover completes.
func send(args []string) {
	set := flag.NewFlagSet("send", flag.ExitOnError)
	length := set.Int("length", pairing.DefaultPasswordLength, "password length in bytes")
	set.Parse(args)

	pass, err := pairing.NewPassword(*length)
	if err != nil {
		fatalf("could not generate password: %v", err)
	}

	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, *sigserv, &websocket.DialOptions{Subprotocols: []string{relay.Protocol}})
	if err != nil {
		fatalf("could not dial relay: %v", err)
	}

	var init struct{ Slot string }
	if err := wsReadJSON(ctx, conn, &init); err != nil {
		fatalf("could not read slot assignment: %v", err)
	}
	slot := 0
	fmt.Sscanf(init.Slot, "%d", &slot)
	fmt.Fprintf(flag.CommandLine.Output(), "code: %s\n", pairing.Code(slot, pass))

	_, msgA, err := conn.Read(ctx)
	if err != nil {
		fatalf("could not read pake message: %v", err)
	}
	offerer := sessioncrypto.NewOfferer(string(pass), []byte(init.Slot))
	msgB, key, err := offerer.Exchange(msgA)
	if err != nil {
		fatalf("pake exchange failed: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, msgB); err != nil {
		fatalf("could not write pake message: %v", err)
	}

	runPipe(ctx, conn, key, true)
}

// receive joins an existing slot using a pairing code printed by send.
func receive(args []string) {
	set := flag.NewFlagSet("receive", flag.ExitOnError)
	set.Parse(args)
	if set.NArg() != 1 {
		fatalf("usage: %s receive <code>", os.Args[0])
	}

	slot, pass, err := pairing.ParseCode(set.Arg(0))
	if err != nil {
		fatalf("bad code: %v", err)
	}

	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("%s%d", *sigserv, slot), &websocket.DialOptions{Subprotocols: []string{relay.Protocol}})
	if err != nil {
		fatalf("could not dial relay: %v", err)
	}

	var init struct{ Slot string }
	if err := wsReadJSON(ctx, conn, &init); err != nil {
		fatalf("could not read slot confirmation: %v", err)
	}

	msgA, joiner, err := sessioncrypto.Start(string(pass), []byte(init.Slot))
	if err != nil {
		fatalf("pake start failed: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, msgA); err != nil {
		fatalf("could not write pake message: %v", err)
	}
	_, msgB, err := conn.Read(ctx)
	if err != nil {
		fatalf("could not read pake message: %v", err)
	}
	key, err := joiner.Finish(msgB)
	if err != nil {
		fatalf("pake finish failed: %v", err)
	}

	runPipe(ctx, conn, key, false)
}

func wsReadJSON(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	_, buf, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, v)
}

// runPipe drives the task negotiation and handover once a session key has
// been established, then copies stdin/stdout over the post-handover
// signalling channel (task.SendSignalingMessage / Session.OnPeerMessage).
func runPipe(ctx context.Context, conn *websocket.Conn, key [32]byte, isOfferer bool) {
	logger := log.Default()
	sess := newWSSession(conn, key, logger)

	tsk, err := task.NewBuilder().WithLogger(logger).Build()
	if err != nil {
		fatalf("could not build task: %v", err)
	}
	sess.OnTaskMessage(tsk.OnTaskMessage)
	go sess.readLoop(ctx)

	// A production outer session would exchange NegotiationData in its own
	// auth message; this demo has no separate auth phase, so both sides
	// agree on the default (no exclusions, handover on) out of band.
	if err := tsk.Init(sess, task.NegotiationData{Handover: true}); err != nil {
		fatalf("could not initialise task: %v", err)
	}

	link, err := tsk.GetTransportLink()
	if err != nil {
		fatalf("could not get transport link: %v", err)
	}

	s := webrtc.SettingEngine{}
	s.DetachDataChannels()
	rtcapi := webrtc.NewAPI(webrtc.WithSettingEngine(s))
	pc, err := rtcapi.NewPeerConnection(rtcConfiguration())
	if err != nil {
		fatalf("could not create peer connection: %v", err)
	}

	negotiated := true
	dc, err := pc.CreateDataChannel("data", &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &link.ID,
	})
	if err != nil {
		fatalf("could not create data channel: %v", err)
	}
	handler := pionchannel.NewHandler(pc, dc, dataChannelMaxMessageSize, logger)

	done := make(chan struct{})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if state == webrtc.ICEConnectionStateFailed || state == webrtc.ICEConnectionStateDisconnected {
			close(done)
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		tsk.SendCandidate(ctx, &task.Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: candidateLineIndex(init.SDPMLineIndex),
		})
	})

	answered := make(chan struct{})
	tsk.OnOffer(func(offer task.SessionDescription) task.Action {
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
			logger.Printf("demo: set remote offer: %v", err)
			return task.Continue
		}
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			logger.Printf("demo: create answer: %v", err)
			return task.Continue
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			logger.Printf("demo: set local answer: %v", err)
			return task.Continue
		}
		tsk.SendAnswer(ctx, task.SessionDescription{Type: "answer", SDP: answer.SDP})
		return task.Continue
	})
	tsk.OnAnswer(func(answer task.SessionDescription) task.Action {
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
			logger.Printf("demo: set remote answer: %v", err)
		}
		close(answered)
		return task.Remove
	})
	tsk.OnCandidates(func(cs []*task.Candidate) task.Action {
		for _, c := range cs {
			if c == nil {
				continue
			}
			if err := pc.AddICECandidate(webrtc.ICECandidateInit{
				Candidate:     c.Candidate,
				SDPMid:        c.SDPMid,
				SDPMLineIndex: candidateUint16(c.SDPMLineIndex),
			}); err != nil {
				logger.Printf("demo: add ice candidate: %v", err)
			}
		}
		return task.Continue
	})

	if isOfferer {
		offer, err := pc.CreateOffer(nil)
		if err != nil {
			fatalf("could not create offer: %v", err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			fatalf("could not set local offer: %v", err)
		}
		tsk.SendOffer(ctx, task.SessionDescription{Type: "offer", SDP: offer.SDP})
		<-answered
	}

	if err := handler.WaitOpen(ctx); err != nil {
		fatalf("data channel did not open: %v", err)
	}
	if err := tsk.Handover(0, handler); err != nil {
		fatalf("could not hand over: %v", err)
	}
	go handler.ReceiveLoop(ctx, link)

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if err := tsk.SendSignalingMessage(buf[:n]); err != nil {
					logger.Printf("demo: send: %v", err)
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	<-done
}

func candidateLineIndex(i *uint16) *int {
	if i == nil {
		return nil
	}
	v := int(*i)
	return &v
}

func candidateUint16(i *int) *uint16 {
	if i == nil {
		return nil
	}
	v := uint16(*i)
	return &v
}
