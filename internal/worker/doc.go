// Package worker выполняет один run job'а.
//
// # Обзор
//
// Worker-процесс запускается scheduler'ом на каждый run. Supervisor:
//
//   - Декодирует execution context из launch payload
//   - Находит job в Registry по JobType, вызывает Configure и Wire
//   - Открывает control channel: RabbitMQ (до ConnectAttempts попыток), затем HTTP relay
//   - Выполняет job под watchdog'ом
//   - Записывает поля job обратно в data maps (back-mapping)
//   - Публикует итог и закрывает канал
//
// # Жизненный цикл
//
//	INITIALIZING → CHANNEL_OPENING → RUNNING → FINALIZING → TERMINATED
//
// Ошибки Configure, Wire и неизвестный JobType не прерывают run сразу:
// они откладываются до RUNNING, чтобы scheduler получил их через открытый канал.
// Если канал открыть не удалось, job не запускается (ErrCommunication).
//
// # Job
//
//	type Job interface {
//	    Execute(ctx context.Context, jc *JobContext) error
//	}
//
// Дополнительно job может реализовать Configurer, DependencyWirer
// и backmap.Mapper.
//
//	registry := worker.NewRegistry()
//	registry.Register("import-orders", func() worker.Job { return &ImportOrders{} })
//
//	s := worker.New(worker.Options{
//	    Registry: registry,
//	    Connectors: worker.Connectors{
//	        Primary:  worker.AMQPConnector(mqOpts),
//	        Failover: worker.FailoverConnector(relayURL, 10*time.Second, nil),
//	    },
//	    Logger: logger,
//	})
//	result := s.Run(ctx, worker.Launch{Payload: payload})
//
// # Таймаут
//
// ctx job'а отменяется по таймауту trigger'а (по умолчанию DefaultTimeout).
// Watchdog срабатывает через Timeout + TimeoutGrace: публикует ErrTimeout,
// отменяет ctx и ждёт KillGrace. Если job так и не вернулся, транспорт
// закрывается и процесс завершается через ExitFunc.
//
// # Ошибки
//
//   - ErrInitialization — контекст, реестр, Configure, Wire
//   - ErrCommunication — ни один транспорт не открылся
//   - ErrTimeout — таймаут (кооперативный или watchdog)
//   - ErrUserCode — job вернул ошибку; из errors.Join сообщается первая,
//     обёртки fmt.Errorf сообщаются целиком
//   - ErrJobPanic — panic в job, вместе со stack trace
package worker
