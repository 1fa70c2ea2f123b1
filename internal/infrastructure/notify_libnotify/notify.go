package notify_libnotify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/davarch/ci-promoter/internal/domain"
)

// Notifier shows desktop notifications through notify-send. A soft
// notifier swallows failures so hosts without a notification daemon still
// run pipelines.
type Notifier struct {
	run  domain.CommandRunner
	soft bool
	opts Options
}

type Options struct {
	Urgency string
	Expire  time.Duration
}

func New(run domain.CommandRunner, opts Options) *Notifier {
	return &Notifier{run: run, opts: opts}
}

func NewSoft(run domain.CommandRunner, opts Options) *Notifier {
	return &Notifier{run: run, soft: true, opts: opts}
}

func (n *Notifier) Notify(ctx context.Context, title, body, url string) error {
	return n.NotifyWith(ctx, title, body, url, n.opts)
}

func (n *Notifier) NotifyWith(ctx context.Context, title, body, url string, opt Options) error {
	if strings.TrimSpace(url) != "" {
		if body == "" {
			body = url
		} else {
			body = body + "\n" + url
		}
	}

	args := []string{"notify-send", "--app-name=ci-promoter"}
	if opt.Urgency != "" {
		args = append(args, "--urgency="+opt.Urgency)
	}
	if opt.Expire > 0 {
		ms := strconv.Itoa(int(opt.Expire / time.Millisecond))
		args = append(args, "--expire-time="+ms)
	}
	args = append(args, title, body)

	res, err := n.run.Run(ctx, "", args, nil)
	if err == nil && res.ExitCode != 0 {
		err = fmt.Errorf("notify-send exited with %d: %s", res.ExitCode, strings.TrimSpace(res.Output))
	}
	if err != nil && !n.soft {
		return err
	}
	return nil
}
