// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lovechat-go/internal/config"
	"lovechat-go/internal/handler"
	"lovechat-go/internal/middleware"
	"lovechat-go/internal/model"
	"lovechat-go/internal/repository"
	"lovechat-go/internal/service"
	"lovechat-go/pkg/database"
	"lovechat-go/pkg/es"
	"lovechat-go/pkg/events"
	"lovechat-go/pkg/kafka"
	"lovechat-go/pkg/llm"
	"lovechat-go/pkg/log"
	"lovechat-go/pkg/storage"
	"lovechat-go/pkg/token"
	"lovechat-go/pkg/websearch"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库和外部依赖
	database.InitMySQL(cfg.Database.MySQL.DSN)
	if err := database.DB.AutoMigrate(
		&model.User{},
		&model.Thread{},
		&model.Message{},
		&model.StreamRecord{},
		&model.UsageStat{},
	); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)
	if err := es.InitES(cfg.Elasticsearch); err != nil {
		log.Errorf("es 初始化失败 %s", err)
		return
	}
	kafka.InitProducer(cfg.Kafka)

	// 4. 初始化 Repository
	userRepo := repository.NewUserRepository(database.DB)
	threadRepo := repository.NewThreadRepository(database.DB)
	streamRepo := repository.NewStreamRepository(database.DB)
	usageRepo := repository.NewUsageRepository(database.DB)
	historyRepo := repository.NewHistoryRepository(database.RDB)

	// 5. 初始化事件总线与 WebSocket 分发
	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	bus := events.NewRedisBus(database.RDB, "")
	hub := events.NewHub()
	go func() {
		if err := bus.StartForwarder(rootCtx, hub.Broadcast); err != nil {
			log.Errorf("事件转发器退出: %v", err)
		}
	}()

	// 6. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	registry := llm.NewRegistry(cfg.Providers)
	searchClient := websearch.NewClient(cfg.WebSearch)
	notifier := service.NewNotifier(bus, cfg.Elasticsearch)

	userService := service.NewUserService(userRepo, jwtManager)
	threadService := service.NewThreadService(threadRepo, historyRepo, notifier)
	chatService := service.NewChatService(threadRepo, streamRepo, historyRepo, registry, searchClient, notifier)
	streamService := service.NewStreamService(streamRepo, threadRepo, historyRepo, registry, notifier, cfg.Stream)
	usageService := service.NewUsageService(usageRepo)
	searchService := service.NewSearchService(cfg.Elasticsearch)
	exportService := service.NewExportService(threadRepo, cfg.MinIO)

	// 7. 启动后台任务：Kafka 用量消费者与流巡检
	go kafka.StartConsumer(cfg.Kafka, usageService)
	streamService.StartSweeper(rootCtx)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 9. 注册路由
	userHandler := handler.NewUserHandler(userService, usageService)
	threadHandler := handler.NewThreadHandler(threadService, exportService)
	chatHandler := handler.NewChatHandler(chatService)
	streamHandler := handler.NewStreamHandler(streamService)
	searchHandler := handler.NewSearchHandler(searchService)
	wsHandler := handler.NewWSHandler(hub, userService, jwtManager)

	apiV1 := r.Group("/api/v1")
	{
		auth := apiV1.Group("/auth")
		{
			auth.POST("/refreshToken", userHandler.RefreshToken)
		}

		users := apiV1.Group("/users")
		{
			// 无需认证的路由 (公开访问)
			users.POST("/register", userHandler.Register)
			users.POST("/login", userHandler.Login)

			// 需要认证的路由 (仅限登录用户访问)
			authed := users.Group("/")
			authed.Use(middleware.AuthMiddleware(jwtManager, userService))
			{
				authed.GET("/me", userHandler.GetProfile)
			}
		}

		// Thread 路由组，需要认证
		threads := apiV1.Group("/threads")
		threads.Use(middleware.AuthMiddleware(jwtManager, userService))
		{
			threads.POST("", threadHandler.CreateThread)
			threads.GET("", threadHandler.ListThreads)
			threads.DELETE("/:id", threadHandler.DeleteThread)
			threads.GET("/:id/messages", threadHandler.ListMessages)
			threads.POST("/:id/export", threadHandler.ExportThread)
		}

		// Chat 路由组
		chat := apiV1.Group("/chat")
		{
			// 中断信标路径不经过认证中间件：客户端退出时的 beacon
			// 请求无法携带授权头，归属由消息与流记录的关联保证
			chat.POST("/streams/interrupted", streamHandler.MarkInterrupted)

			authed := chat.Group("/")
			authed.Use(middleware.AuthMiddleware(jwtManager, userService))
			{
				authed.POST("/stream", chatHandler.Stream)
				authed.GET("/streams/resumable", streamHandler.ListResumable)
				authed.POST("/streams/resume", streamHandler.Resume)
				authed.GET("/usage", userHandler.GetUsage)
			}
		}

		// Search 路由组，需要认证
		search := apiV1.Group("/search")
		search.Use(middleware.AuthMiddleware(jwtManager, userService))
		{
			search.GET("/messages", searchHandler.SearchMessages)
		}
	}

	// 流状态事件 WebSocket（token 作为路径参数）
	r.GET("/ws/streams/:token", wsHandler.Handle)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	log.Info("服务已优雅关闭")
}
