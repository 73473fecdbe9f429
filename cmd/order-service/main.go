// cmd/order-service/main.go
package main

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"washlink/internal/pkg/bootstrap"
	"washlink/internal/pkg/httpclient"
	"washlink/internal/pkg/logger"
	"washlink/internal/pkg/mq"
	"washlink/internal/pkg/redis"
	orderapp "washlink/internal/service/order/application"
	orderinfra "washlink/internal/service/order/infrastructure"
	"washlink/internal/service/order/infrastructure/adapter"
	orderifaces "washlink/internal/service/order/interfaces"
	refundapp "washlink/internal/service/refund/application"
	refundinfra "washlink/internal/service/refund/infrastructure"
	ruleapp "washlink/internal/service/rule/application"
	ruledomain "washlink/internal/service/rule/domain"
	ruleinfra "washlink/internal/service/rule/infrastructure"
	ruleifaces "washlink/internal/service/rule/interfaces"
	settlementapp "washlink/internal/service/settlement/application"
	settlementinfra "washlink/internal/service/settlement/infrastructure"
	settlementifaces "washlink/internal/service/settlement/interfaces"
	"washlink/internal/zookeeper"
)

const (
	serviceName         = "order-service"
	notificationTopic   = "notifications"
	deviceCallbackTopic = "device-callbacks"
	deviceCallbackGroup = "order-device-callback-group"

	lockWaitMax    = 10 * time.Second
	refundGuardTTL = 10 * time.Minute
)

// main 是订单服务的组装根：创建并组装所有依赖项，然后启动应用。
func main() {
	if path, ok := os.LookupEnv("CONFIG_PATH"); ok {
		if _, err := bootstrap.LoadConfig(path); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	cfg := bootstrap.GetCurrentConfig()
	logger.Init(serviceName)
	tracer := otel.Tracer(serviceName)

	// 基础设施
	db, err := gorm.Open(mysql.Open(cfg.Infra.MySQL.DSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	if err := db.AutoMigrate(
		&orderinfra.OrderModel{},
		&ruleinfra.RuleModel{},
		&refundinfra.ExceptionModel{},
		&settlementinfra.SettlementModel{},
	); err != nil {
		log.Fatalf("failed to migrate schema: %v", err)
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
	deviceCallbackReader := mq.NewKafkaReader(brokers, deviceCallbackTopic, deviceCallbackGroup)

	httpClient := httpclient.NewClient(tracer)

	// 规则引擎（退款与结算共用）
	evaluator, err := ruleinfra.NewCELEvaluator()
	if err != nil {
		log.Fatalf("failed to initialize condition evaluator: %v", err)
	}
	ruleEngine := ruledomain.NewEngine(evaluator)
	ruleRegistry, err := ruleapp.NewRegistry(context.Background(), ruleinfra.NewGormRuleStore(db))
	if err != nil {
		log.Fatalf("failed to load rules: %v", err)
	}

	// 仓储与出站适配器
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

	// 入站适配器：设备状态回调经 Kafka 进来
	deviceConsumer := orderifaces.NewDeviceCallbackConsumer(deviceCallbackReader, orderService)
	consumerCtx, cancelConsumer := context.WithCancel(context.Background())
	if err := deviceConsumer.Start(consumerCtx); err != nil {
		log.Fatalf("failed to start device callback consumer: %v", err)
	}

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			orderifaces.NewOrderHandler(orderService).RegisterRoutes(appCtx.Mux)
			ruleifaces.NewRuleHandler(ruleRegistry).RegisterRoutes(appCtx.Mux)
			settlementifaces.NewSettlementHandler(settlementService, exceptionStore).RegisterRoutes(appCtx.Mux)
		},
		OnShutdown: func(ctx context.Context) {
			cancelConsumer()
			deviceConsumer.Stop(ctx)
		},
	})
}
