// ca8210-statusd opens one CA821x radio and serves its traffic counters and
// host load over a small read-only HTTP API, for whatever supervises the
// exchange process.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ca821x "github.com/cascoda/ca821x-exchange"
	"github.com/cascoda/ca821x-exchange/internal/config"
	"github.com/cascoda/ca821x-exchange/internal/statusapi"
)

var (
	transportKind = flag.String("transport", "", "transport to use: auto, usb, or kernel (overrides config)")
	statusAddr    = flag.String("addr", "", "status API listen address, e.g. :8080 (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("ca8210-statusd: loading config: %v", err)
	}
	if *transportKind != "" {
		cfg.TransportKind = *transportKind
	}
	if *statusAddr != "" {
		cfg.StatusAddr = *statusAddr
	}

	dev := &ca821x.Device{}
	onError := func(err error) {
		log.Printf("ca8210-statusd: transport error: %v", err)
	}
	if cfg.PollDelayMs > 0 {
		dev.SetPollDelay(time.Duration(cfg.PollDelayMs) * time.Millisecond)
	}

	switch cfg.TransportKind {
	case "usb":
		err = dev.InitUSB(cfg.USBVendorID, cfg.USBProductID, nil, onError)
	case "kernel":
		err = dev.InitKernel(cfg.KernelDevicePath, nil, onError)
	default:
		err = dev.Init(nil, onError)
	}
	if err != nil {
		log.Fatalf("ca8210-statusd: opening device: %v", err)
	}
	defer dev.Deinit()

	log.Printf("ca8210-statusd: device open, state=%s", dev.State())

	reg := statusapi.NewRegistry()
	reg.Register("radio0", dev)

	srv := statusapi.NewServer(reg, time.Now())
	httpSrv := &http.Server{
		Addr:    cfg.StatusAddr,
		Handler: srv.Router(),
	}

	go func() {
		log.Printf("ca8210-statusd: status API listening on %s", cfg.StatusAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ca8210-statusd: status API error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("ca8210-statusd: shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("ca8210-statusd: status API shutdown error: %v", err)
	}
}
