// Package broker — фасад публикации событий run'а в scheduler.
//
// Все компоненты (aggregate, backmap, worker.JobContext) публикуют через Broker
// и не знают, какой транспорт активен: AMQP (mq), HTTP failover или лог (debug).
//
// Формат сообщения — Envelope в терминах CloudEvents:
//
//	{"specversion":"1.0","id":"...","type":"update-progress",
//	 "source":"jobrun://worker-runtime","subject":"<fire instance id>",
//	 "time":"...","datacontenttype":"application/json","data":{...}}
package broker
