// Command luxkerneld boots the microkernel core against a ramdisk image
// and runs until interrupted (spec.md §4.7).
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/NomadArchitect/lux-os-kernel/internal/boot"
	"github.com/NomadArchitect/lux-os-kernel/internal/config"
	"github.com/NomadArchitect/lux-os-kernel/internal/logging"
	"github.com/NomadArchitect/lux-os-kernel/internal/ramdisk"
)

func main() {
	var (
		ramdiskPath = flag.String("ramdisk", "", "Path to the ramdisk directory containing the lumen image")
		cpuCount    = flag.Int("cpus", runtime.NumCPU(), "Number of simulated CPUs to bring up")
		physPages   = flag.Int("phys-pages", 1<<16, "Number of simulated physical pages")
		verbose     = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	if *ramdiskPath == "" {
		logger.Error("missing required -ramdisk flag")
		os.Exit(1)
	}

	cfg := config.DefaultBoot()
	cfg.RamdiskPath = *ramdiskPath
	cfg.CPUCount = *cpuCount
	cfg.PhysicalPages = *physPages

	logger.Info("booting kernel core",
		"ramdisk", cfg.RamdiskPath,
		"cpus", cfg.CPUCount,
		"phys_pages", cfg.PhysicalPages)

	img := ramdisk.NewFileImage(cfg.RamdiskPath)

	k, err := boot.Bootstrap(cfg, img)
	if err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	k.Stop()

	// Give in-flight worker loops a moment to notice stop before exiting.
	time.Sleep(50 * time.Millisecond)
	log.Println("luxkerneld: shut down")
}
