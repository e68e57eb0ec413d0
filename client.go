package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
)

func dial() (net.Conn, error) {
	conn, err := net.Dial("unix", socketPath())
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w (is `clockctl daemon` running?)", err)
	}
	return conn, nil
}

func ipcCall(req IPCRequest) (IPCResponse, error) {
	conn, err := dial()
	if err != nil {
		return IPCResponse{}, err
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

// runRequest performs req and prints the response as JSON.
func runRequest(req IPCRequest) error {
	resp, err := ipcCall(req)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(os.Stdout).Encode(resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	return nil
}

func runAlarmList(w io.Writer) error {
	resp, err := ipcCall(IPCRequest{Command: "alarms"})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	printAlarms(w, resp.Alarms)
	return nil
}

func printAlarms(w io.Writer, alarms []AlarmView) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SLOT\tTIME\tENABLED\tMELODY")
	for _, a := range alarms {
		if a.Empty {
			fmt.Fprintf(tw, "%d\t--:--\t-\t-\n", a.Slot)
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%t\t%d (%s)\n", a.Slot, a.Time, a.Enabled, a.Melody, a.Name)
	}
	tw.Flush()
}

// runWatch prints daemon events, one JSON object per line, until the
// daemon closes the stream.
func runWatch(w io.Writer) error {
	conn, err := dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(IPCRequest{Command: "watch"}); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(w)
	for {
		var ev WatchEvent
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
}

// parseClock parses a 24-hour "HH:MM" time.
func parseClock(s string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	if hour, err = strconv.Atoi(h); err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	if minute, err = strconv.Atoi(m); err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

func parseInt(name, s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return n, nil
}
