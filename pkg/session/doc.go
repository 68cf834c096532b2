// Package session реализует автомат состояний SIP сессии, начатой INVITE:
// от исходного запроса через согласование SDP (offer/answer), изменение
// сессии в разговоре и до завершения. Поддерживаются обе роли.
//
// ClientSession работает на стороне, отправившей INVITE: предварительные
// ответы, ранние медиа, надежные 1xx с PRACK, отмена и формирование ACK.
// ServerSession работает на стороне, получившей INVITE: отправка 1xx и 2xx,
// отказ и перенаправление, очередь ответов до PRACK.
//
// Обе роли встраивают общее ядро, которое обслуживает установленную сессию:
// re-INVITE и UPDATE с обработкой коллизий (491), таймер сессии (RFC 4028),
// INFO, REFER и BYE.
//
// Сессия не имеет собственных горутин и блокировок. Диалог доставляет в нее
// входящие сообщения через Dispatch и сработавшие таймеры через
// DispatchTimeout строго по одному. Каждый вызов выполняется до конца
// синхронно, исходящие сообщения передаются в Dialog.Send, а приложение
// получает уведомления через Handler.
//
// Пример исходящего вызова:
//
//	cs, err := session.NewClientSession(dlg, handler, offer,
//		session.WithLogger(logger),
//		session.WithSessionTimer(sessiontimer.DefaultPolicy()))
//	if err != nil {
//		return err
//	}
//	if err := cs.Start(); err != nil {
//		return err
//	}
//	// далее диалог вызывает cs.Dispatch(msg) и cs.DispatchTimeout(t)
package session
