package mq

import "errors"

var (
	// ErrConnectTimeout — соединение не установлено за ConnectTimeout.
	ErrConnectTimeout = errors.New("amqp connect timeout")

	// ErrNotConnected — канал недоступен (разрыв или переподключение).
	ErrNotConnected = errors.New("amqp not connected")

	// ErrClosed — соединение закрыто через Close.
	ErrClosed = errors.New("amqp connection closed")

	// ErrNacked — брокер отклонил публикацию.
	ErrNacked = errors.New("publish not acknowledged by broker")
)
