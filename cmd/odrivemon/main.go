// odrivemon polls axis feedback over the ODrive ASCII protocol and prints
// it in human-readable form.
//
// The ODrive exposes a CDC serial port alongside its native USB channel;
// the ASCII "f <axis>" command replies with "<pos> <vel>" in turns and
// turns per second. This tool converts both to radians so the numbers
// line up with what the Viam components report.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/EG3301R-SAM/odrive-ros2-control/odrive"
)

type feedback struct {
	axis     int
	posRad   float64
	velRad   float64
	received time.Time
}

func pollFeedback(port serial.Port, reader *bufio.Reader, axis int) (*feedback, error) {
	if _, err := fmt.Fprintf(port, "f %d\n", axis); err != nil {
		return nil, fmt.Errorf("writing feedback request: %w", err)
	}

	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading feedback: %w", err)
	}

	fields := strings.Fields(line)
	if len(fields) != 2 {
		return nil, fmt.Errorf("malformed feedback line %q", strings.TrimSpace(line))
	}
	posTurns, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return nil, fmt.Errorf("parsing position %q: %w", fields[0], err)
	}
	velTurns, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return nil, fmt.Errorf("parsing velocity %q: %w", fields[1], err)
	}

	return &feedback{
		axis:     axis,
		posRad:   odrive.TurnsToRadians(posTurns),
		velRad:   odrive.TurnsToRadians(velTurns),
		received: time.Now(),
	}, nil
}

func formatFeedback(f *feedback) string {
	return fmt.Sprintf("[%s] axis %d: pos=%9.4f rad  vel=%9.4f rad/s",
		f.received.Format("15:04:05.000"), f.axis, f.posRad, f.velRad)
}

func main() {
	portName := flag.String("port", "", "Serial port device (e.g., /dev/ttyACM0)")
	baudRate := flag.Int("baud", 115200, "Baud rate")
	axes := flag.Int("axes", 2, "Number of axes to poll")
	interval := flag.Duration("interval", 200*time.Millisecond, "Poll interval")
	flag.Parse()

	if *portName == "" {
		fmt.Fprintf(os.Stderr, "Usage: odrivemon -port <device> [-baud <rate>] [-axes <n>] [-interval <dur>]\n")
		fmt.Fprintf(os.Stderr, "Example: odrivemon -port /dev/ttyACM0 -axes 2\n")
		os.Exit(1)
	}

	mode := &serial.Mode{
		BaudRate: *baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(*portName, mode)
	if err != nil {
		log.Fatalf("Failed to open serial port %s: %v", *portName, err)
	}
	defer port.Close()

	if err := port.SetReadTimeout(time.Second); err != nil {
		log.Fatalf("Failed to set read timeout: %v", err)
	}

	fmt.Printf("odrivemon - ODrive axis feedback monitor\n")
	fmt.Printf("Port: %s @ %d baud, %d axes every %v\n", *portName, *baudRate, *axes, *interval)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	reader := bufio.NewReader(port)
	for {
		for axis := 0; axis < *axes; axis++ {
			f, err := pollFeedback(port, reader, axis)
			if err != nil {
				fmt.Printf("[ERROR] axis %d: %v\n", axis, err)
				continue
			}
			fmt.Println(formatFeedback(f))
		}
		time.Sleep(*interval)
	}
}
