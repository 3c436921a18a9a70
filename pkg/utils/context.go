package utils

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"
)

// SetUpContext returns a context cancelled on the first SIGINT or SIGTERM.
// A second signal exits immediately.
func SetUpContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-ch:
			klog.Infof("received %s, stopping", sig)
			cancel()
		case <-ctx.Done():
			signal.Stop(ch)
			return
		}
		<-ch
		klog.Warning("received second signal, exiting")
		os.Exit(1)
	}()
	return ctx, cancel
}
