// latchpoint is the home-alarm automation backend: a rule engine, an
// entity-change dispatcher, and an HTTP API in one process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/latchpoint/latchpoint/internal/alarm"
	"github.com/latchpoint/latchpoint/internal/api"
	"github.com/latchpoint/latchpoint/internal/conf"
	"github.com/latchpoint/latchpoint/internal/datastore/repository"
	"github.com/latchpoint/latchpoint/internal/dispatch"
	"github.com/latchpoint/latchpoint/internal/gateway"
	"github.com/latchpoint/latchpoint/internal/ingest"
	"github.com/latchpoint/latchpoint/internal/kvstore"
	"github.com/latchpoint/latchpoint/internal/logger"
	"github.com/latchpoint/latchpoint/internal/rules/action"
	"github.com/latchpoint/latchpoint/internal/rules/engine"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "latchpoint",
		Short:        "home-alarm rule engine and event dispatcher",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := conf.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), settings)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func logLevel(name string) logger.LogLevel {
	switch name {
	case "debug":
		return logger.LogLevelDebug
	case "warn":
		return logger.LogLevelWarn
	case "error":
		return logger.LogLevelError
	default:
		return logger.LogLevelInfo
	}
}

func run(ctx context.Context, settings *conf.Settings) error {
	log := logger.NewSlogLogger(os.Stdout, logLevel(settings.LogLevel), nil)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Datastore
	db, err := gorm.Open(sqlite.Open(settings.Database.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := repository.AutoMigrate(db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	repo := repository.NewRuleRepository(db, settings.Frigate.StaleAfter.Std())

	// KV store
	var kv kvstore.Store
	switch settings.KVStore.Backend {
	case "redis":
		rkv, err := kvstore.NewRedisStoreFromAddr(ctx, settings.KVStore.RedisAddr, settings.KVStore.RedisDB)
		if err != nil {
			return fmt.Errorf("failed to connect redis: %w", err)
		}
		defer func() {
			if err := rkv.Close(); err != nil {
				log.Warn("failed to close redis", logger.Error(err))
			}
		}()
		kv = rkv
	default:
		kv = kvstore.NewMemoryStore()
	}

	// Gateways
	alarmSvc := alarm.NewService(repo, settings.Alarm.ExitDelay.Std(), log)
	gateways := action.Gateways{Alarm: alarmSvc}

	if settings.HomeAssistant.BaseURL != "" {
		gateways.HomeAssistant = gateway.NewHomeAssistantClient(settings.HomeAssistant, log)
	}
	var mqttClient *gateway.MqttClient
	if settings.MQTT.Broker != "" {
		mqttClient, err = gateway.NewMqttClient(settings.MQTT, log)
		if err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
		defer mqttClient.Disconnect()
		gateways.Zigbee2MQTT = gateway.NewZigbee2MQTTClient(mqttClient, settings.MQTT.Zigbee2MQTTTopic)
		gateways.ZWaveJS = gateway.NewZWaveJSClient(mqttClient, settings.MQTT.ZWaveJSTopic)
	}
	if len(settings.Notifications) > 0 {
		gateways.Notifications = gateway.NewShoutrrrDispatcher(settings.Notifications, log)
	} else {
		gateways.Notifications = gateway.NoopNotificationDispatcher{}
	}

	// Engine and dispatcher
	executor := action.NewExecutor(gateways, log)
	eng := engine.NewEngine(repo, executor, kv, log)
	stats := dispatch.NewStats(prometheus.DefaultRegisterer)
	dispatcher := dispatch.NewDispatcher(settings.Dispatcher, repo, kv, eng, stats, log)
	alarmSvc.SetNotifier(dispatcher)

	// Ingest
	if mqttClient != nil {
		ing := ingest.NewService(repo, dispatcher, mqttClient, settings, log)
		if err := ing.Start(ctx); err != nil {
			return err
		}
	}

	// Scheduler tick. The full pass, not just the due timers: rules with no
	// entity references (time_in_range, frigate_person_detected) are never
	// reached by entity-change batches and only fire here.
	tick := settings.Scheduler.TickInterval.Std()
	if tick <= 0 {
		tick = 2 * time.Second
	}
	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if _, err := eng.RunRules(ctx, now); err != nil {
					log.Error("scheduled rule pass failed", logger.Error(err))
				}
			}
		}
	}()

	// HTTP API
	controller := api.NewController(settings, repo, eng, dispatcher, log)
	go func() {
		log.Info("http server listening", logger.String("addr", settings.Server.Listen))
		if err := controller.Echo.Start(settings.Server.Listen); err != nil && err != http.ErrServerClosed {
			log.Error("http server stopped", logger.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := controller.Echo.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown failed", logger.Error(err))
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		log.Warn("dispatcher shutdown failed", logger.Error(err))
	}
	return nil
}
