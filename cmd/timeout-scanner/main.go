// cmd/timeout-scanner/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"washlink/internal/pkg/bootstrap"
	"washlink/internal/pkg/httpclient"
	"washlink/internal/pkg/logger"
	"washlink/internal/pkg/mq"
	"washlink/internal/pkg/redis"
	orderapp "washlink/internal/service/order/application"
	orderdomain "washlink/internal/service/order/domain"
	orderinfra "washlink/internal/service/order/infrastructure"
	"washlink/internal/service/order/infrastructure/adapter"
	refundapp "washlink/internal/service/refund/application"
	refundinfra "washlink/internal/service/refund/infrastructure"
	ruleapp "washlink/internal/service/rule/application"
	ruledomain "washlink/internal/service/rule/domain"
	ruleinfra "washlink/internal/service/rule/infrastructure"
	settlementapp "washlink/internal/service/settlement/application"
	settlementinfra "washlink/internal/service/settlement/infrastructure"
	"washlink/internal/zookeeper"
)

const (
	serviceName       = "timeout-scanner"
	notificationTopic = "notifications"

	lockWaitMax    = 10 * time.Second
	refundGuardTTL = 10 * time.Minute
)

// main 是超时扫描进程的组装根。
// 扫描进程复用订单应用服务的全部处置路径，可与订单服务并存多实例：
// 对同一订单的竞争由分布式锁和退款预留裁决，输家拿到的都是良性错误。
func main() {
	if path, ok := os.LookupEnv("CONFIG_PATH"); ok {
		if _, err := bootstrap.LoadConfig(path); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	cfg := bootstrap.GetCurrentConfig()
	logger.Init(serviceName)
	tracer := otel.Tracer(serviceName)

	db, err := gorm.Open(mysql.Open(cfg.Infra.MySQL.DSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	redisClient, err := redis.NewClient(cfg.Infra.Redis.Addrs)
	if err != nil {
		log.Fatalf("failed to initialize redis client: %v", err)
	}
	defer redisClient.Close()

	zkConn, err := zookeeper.NewConn(cfg.Infra.Zookeeper.Addrs, cfg.Infra.Zookeeper.SessionTimeout)
	if err != nil {
		log.Fatalf("failed to connect zookeeper: %v", err)
	}
	defer zkConn.Close()

	brokers := strings.Split(cfg.Infra.Kafka.Brokers, ",")
	notificationWriter := mq.NewKafkaWriter(brokers, notificationTopic)
	defer notificationWriter.Close()

	httpClient := httpclient.NewClient(tracer)

	evaluator, err := ruleinfra.NewCELEvaluator()
	if err != nil {
		log.Fatalf("failed to initialize condition evaluator: %v", err)
	}
	ruleEngine := ruledomain.NewEngine(evaluator)
	ruleRegistry, err := ruleapp.NewRegistry(context.Background(), ruleinfra.NewGormRuleStore(db))
	if err != nil {
		log.Fatalf("failed to load rules: %v", err)
	}

	orderRepo := orderinfra.NewGormOrderRepository(db)
	exceptionStore := refundinfra.NewGormExceptionStore(db)
	refundGuard, err := refundinfra.NewRedisRefundGuard(redisClient, refundGuardTTL)
	if err != nil {
		log.Fatalf("failed to initialize refund guard: %v", err)
	}

	orderService := orderapp.NewOrderApplicationService(
		orderRepo,
		adapter.NewPaymentHTTPAdapter(httpClient, cfg.Gateways.PaymentURL),
		adapter.NewDeviceHTTPAdapter(httpClient, cfg.Gateways.DeviceURL),
		adapter.NewNotificationKafkaAdapter(notificationWriter),
		adapter.NewZKLockAdapter(zkConn, lockWaitMax),
		refundGuard,
		refundapp.NewEngine(ruleRegistry, ruleEngine, tracer),
		exceptionStore,
		tracer,
	)
	settlementService := settlementapp.NewService(
		settlementinfra.NewGormSettlementRepository(db),
		orderRepo,
		ruleRegistry,
		ruleEngine,
		exceptionStore,
		tracer,
	)

	scanner := orderapp.NewTimeoutScanner(
		orderRepo,
		orderService,
		settlementService,
		func() orderdomain.TimeoutPolicy {
			t := bootstrap.GetCurrentConfig().Timeout
			return orderdomain.TimeoutPolicy{
				Payment:         t.Payment,
				DeviceStart:     t.DeviceStart,
				UsageMultiplier: t.UsageMultiplier,
				Settlement:      t.Settlement,
			}
		},
		tracer,
	)

	scanCtx, cancelScan := context.WithCancel(context.Background())
	go scanner.Run(scanCtx, cfg.Timeout.SweepInterval)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			appCtx.Mux.Handle("/metrics", promhttp.Handler())
		},
		OnShutdown: func(ctx context.Context) {
			cancelScan()
		},
	})
}
