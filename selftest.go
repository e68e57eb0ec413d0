package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/mil-ad/clockctl/internal/codec"
	"github.com/mil-ad/clockctl/internal/link"
)

type selftestStep struct {
	cmd    codec.Command
	expect string // substring of the Ack that counts as a pass
}

func selftestSteps(now time.Time) []selftestStep {
	steps := []selftestStep{
		{codec.SyncTime{Unix: now.Unix()}, "TIME_SYNCED"},
	}
	for _, level := range []int{5, 10, 15, 8} {
		steps = append(steps, selftestStep{codec.SetBrightness{Level: level}, "BRIGHTNESS"})
	}
	steps = append(steps,
		selftestStep{codec.SetAlarm{Slot: 0, Hour: 8, Minute: 30, Enabled: true, Melody: 2}, "ALARM"},
		selftestStep{codec.SetAlarm{Slot: 1, Hour: 12, Minute: 0, Enabled: true, Melody: 1}, "ALARM"},
		selftestStep{codec.SetAlarm{Slot: 0, Hour: 8, Minute: 30, Enabled: false, Melody: 2}, "ALARM"},
		selftestStep{codec.SetText{Mode: codec.TextScroll, Text: "Hello Clock!"}, "TEXT"},
		selftestStep{codec.SetText{Mode: codec.TextStatic, Text: "STATIC"}, "TEXT"},
	)
	for id := range codec.MelodyNames {
		steps = append(steps,
			selftestStep{codec.PlayMelody{ID: id}, "MUSIC"},
			selftestStep{codec.StopMelody{}, "MUSIC"},
		)
	}
	return append(steps,
		selftestStep{codec.ShowText{}, "MODE"},
		selftestStep{codec.ShowTime{}, "MODE"},
	)
}

type reply struct {
	msg string
	err bool
}

// selftest drives the firmware through every command and reports, per step,
// whether a matching Ack arrived within replyWait. Replies are matched by
// arrival order. The cached state is pushed back afterwards.
func (d *daemon) selftest() ([]StepResult, error) {
	if d.s.State() != link.Connected {
		return nil, link.ErrNotConnected
	}

	replies := make(chan reply, 16)
	unsubscribe := d.s.Subscribe(link.Funcs{
		Ack:   func(m string) { offer(replies, reply{msg: m}) },
		Error: func(m string) { offer(replies, reply{msg: m, err: true}) },
	})
	defer unsubscribe()

	var results []StepResult
	for _, step := range selftestSteps(time.Now()) {
		drain(replies)

		frame, err := codec.Encode(step.cmd)
		if err != nil {
			return results, err
		}
		res := StepResult{Command: codec.Name(step.cmd), Frame: string(frame)}
		if err := d.s.Send(step.cmd); err != nil {
			results = append(results, res)
			return results, fmt.Errorf("%s: %w", res.Command, err)
		}

		select {
		case r := <-replies:
			res.Reply = r.msg
			res.Passed = !r.err && strings.Contains(r.msg, step.expect)
		case <-time.After(d.replyWait):
		}
		d.log.Debug().Str("step", res.Command).Bool("passed", res.Passed).Msg("selftest")
		results = append(results, res)
	}

	if err := d.s.Resync(); err != nil {
		return results, fmt.Errorf("restore state: %w", err)
	}

	var failed int
	for _, r := range results {
		if !r.Passed {
			failed++
		}
	}
	if failed > 0 {
		return results, fmt.Errorf("%d of %d steps failed", failed, len(results))
	}
	return results, nil
}

func offer(ch chan<- reply, r reply) {
	select {
	case ch <- r:
	default:
	}
}

func drain(ch <-chan reply) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
