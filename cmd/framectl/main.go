package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/user/glasslink/wire/frame"
)

// framectl encodes a payload into a link frame or decodes a hex capture
// into frames and typed payloads.
func main() {
	decode := flag.Bool("d", false, "Decode hex from stdin instead of encoding")
	cmd := flag.Uint("cmd", uint(frame.CmdString), "Command byte for encoding")
	wrap := flag.Bool("wrap", false, "Wrap the payload in {\"C\": ...} before encoding")
	flag.Parse()

	input, err := io.ReadAll(bufio.NewReader(os.Stdin))
	if err != nil {
		log.Fatalf("read stdin: %v", err)
	}

	if *decode {
		decodeCapture(input)
		return
	}

	payload := []byte(strings.TrimRight(string(input), "\r\n"))
	if *wrap {
		if payload, err = frame.WrapC(payload); err != nil {
			log.Fatalf("wrap: %v", err)
		}
	}
	if err := frame.Safe(payload); err != nil {
		log.Fatalf("payload cannot be framed: %v", err)
	}
	fmt.Println(hex.EncodeToString(frame.Encode(byte(*cmd), payload)))
}

func decodeCapture(input []byte) {
	clean := strings.Map(func(r rune) rune {
		if strings.ContainsRune(" \t\r\n:", r) {
			return -1
		}
		return r
	}, string(input))
	raw, err := hex.DecodeString(clean)
	if err != nil {
		log.Fatalf("bad hex: %v", err)
	}

	p := frame.NewParser(frame.DefaultCeiling)
	if err := p.AddData(raw); err != nil {
		log.Fatalf("%v", err)
	}
	frames := p.ParseMessages()
	for i, f := range frames {
		res := frame.ParsePayload(f.Payload)
		fmt.Printf("#%d cmd=0x%02X len=%d declared=%d %s", i, f.Cmd, len(f.Payload), f.DeclaredLen, res.Kind)
		if res.Wrapped {
			fmt.Print(" wrapped")
		}
		switch res.Kind {
		case frame.KindJSON:
			fmt.Printf(" type=%q\n", res.Type())
		default:
			fmt.Printf(" text=%q\n", res.Text)
		}
	}
	fmt.Printf("%d frame(s), %d resync(s), %d byte(s) discarded, %d buffered\n",
		len(frames), p.Resyncs(), p.Discarded(), p.Len())
}
