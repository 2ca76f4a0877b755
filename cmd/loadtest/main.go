// Команда loadtest нагружает HTTP API сервиса заказов типовыми сценариями покупателя.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type loadMode string

const (
	modeCreate          loadMode = "create"
	modeCreatePay       loadMode = "create-pay"
	modeCreatePayCancel loadMode = "create-pay-cancel"
)

type config struct {
	addr             string
	total            int
	totalSet         bool
	duration         time.Duration
	concurrency      int
	rps              float64
	timeout          time.Duration
	mode             loadMode
	cancelRate       int
	replayRate       int
	userID           string
	productID        string
	qty              int32
	paymentMethod    string
	shippingFeeMinor int64
	outputPath       string
}

func (c config) runTarget() string {
	switch {
	case c.duration <= 0:
		return fmt.Sprintf("count:%d", c.total)
	case c.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", c.duration, c.total)
	default:
		return fmt.Sprintf("duration:%s", c.duration)
	}
}

func parseConfig(args []string) (config, error) {
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		cfg  config
		mode string
		qty  int
	)
	fs.StringVar(&cfg.addr, "addr", "http://localhost:8080", "HTTP API base address")
	fs.IntVar(&cfg.total, "total", 400, "scenarios to run; with -duration only limits the run when set explicitly")
	fs.DurationVar(&cfg.duration, "duration", 0, "time-based run duration (e.g. 10m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "concurrent scenarios")
	fs.Float64Var(&cfg.rps, "rps", 0, "scenario start rate limit per second (0 = unlimited)")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&mode, "mode", string(modeCreate), "load mode: create | create-pay | create-pay-cancel")
	fs.IntVar(&cfg.cancelRate, "cancel-rate", 0, "percent of create-pay scenarios that cancel the order (0..100)")
	fs.IntVar(&cfg.replayRate, "replay-rate", 0, "percent of scenarios that repeat order creation with the same Idempotency-Key (0..100)")
	fs.StringVar(&cfg.userID, "user", "", "customer id known to the service")
	fs.StringVar(&cfg.productID, "product", "", "product id with enough stock")
	fs.IntVar(&qty, "qty", 1, "quantity per order")
	fs.StringVar(&cfg.paymentMethod, "payment-method", "cod", "payment method: cod | vnpay | stripe | paypal")
	fs.Int64Var(&cfg.shippingFeeMinor, "shipping-fee-minor", 0, "shipping fee used when the carrier is not configured")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report path")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})
	cfg.qty = int32(qty)
	cfg.mode = loadMode(strings.TrimSpace(mode))
	cfg.userID = strings.TrimSpace(cfg.userID)
	cfg.productID = strings.TrimSpace(cfg.productID)
	cfg.paymentMethod = strings.ToLower(strings.TrimSpace(cfg.paymentMethod))

	return cfg, cfg.validate()
}

func (c config) validate() error {
	var problems []error
	switch c.mode {
	case modeCreate, modeCreatePay, modeCreatePayCancel:
	default:
		problems = append(problems, fmt.Errorf("unsupported mode: %s", c.mode))
	}
	if c.duration < 0 {
		problems = append(problems, errors.New("duration must be >= 0"))
	}
	if (c.duration == 0 || c.totalSet) && c.total <= 0 {
		problems = append(problems, errors.New("total must be > 0"))
	}
	if c.concurrency <= 0 {
		problems = append(problems, errors.New("concurrency must be > 0"))
	}
	if c.rps < 0 {
		problems = append(problems, errors.New("rps must be >= 0"))
	}
	if c.timeout <= 0 {
		problems = append(problems, errors.New("timeout must be > 0"))
	}
	if c.cancelRate < 0 || c.cancelRate > 100 {
		problems = append(problems, errors.New("cancel-rate must be between 0 and 100"))
	}
	if c.replayRate < 0 || c.replayRate > 100 {
		problems = append(problems, errors.New("replay-rate must be between 0 and 100"))
	}
	if c.userID == "" {
		problems = append(problems, errors.New("user is required"))
	}
	if c.productID == "" {
		problems = append(problems, errors.New("product is required"))
	}
	if c.qty <= 0 {
		problems = append(problems, errors.New("qty must be > 0"))
	}
	if c.mode != modeCreate && c.paymentMethod == "cod" {
		problems = append(problems, errors.New("payment modes need a prepaid payment method"))
	}
	return errors.Join(problems...)
}

// run запускает сценарии пулом не больше concurrency и возвращает отчёт.
// По истечении duration новые сценарии не стартуют, начатые доигрываются.
func run(ctx context.Context, cfg config, r *runner) report {
	dispatch := ctx
	if cfg.duration > 0 {
		var cancel context.CancelFunc
		dispatch, cancel = context.WithTimeout(ctx, cfg.duration)
		defer cancel()
	}
	unbounded := cfg.duration > 0 && !cfg.totalSet

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.rps), 1)
	}

	startedAt := time.Now()
	var g errgroup.Group
	g.SetLimit(cfg.concurrency)
	for i := 0; unbounded || i < cfg.total; i++ {
		if err := limiter.Wait(dispatch); err != nil {
			break
		}
		index := i
		g.Go(func() error {
			// Ошибка сценария уже учтена в отчёте, останавливать остальных не нужно.
			_ = r.scenario(ctx, index)
			return nil
		})
	}
	_ = g.Wait()

	return r.stats.report(startedAt, time.Since(startedAt))
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}
	api, err := newAPIClient(cfg.addr, cfg.timeout, cfg.concurrency)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result := run(ctx, cfg, newRunner(cfg, api, newCollector()))
	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}
