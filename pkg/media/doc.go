// Package media определяет контракт медиа движка, которым пользуется ядро вызова.
//
// Ядро не работает с устройствами и PeerConnection напрямую. Вместо этого оно
// получает реализацию Engine, которая умеет:
//
//   - захватывать локальный поток с микрофона и камеры (AcquireLocalStream)
//   - создавать соединение и прикреплять к нему локальные треки
//   - выполнять примитивы согласования: offer/answer, описания, ICE кандидаты
//   - сообщать об удаленных потоках и смене состояния транспорта
//
// Реализация на pion/webrtc находится в пакете pionmedia, управляемый
// тестовый двойник в пакете mediatest.
//
// # Отключение звука
//
// Mute реализуется переключением флага Enabled у трека. Трек при этом не
// останавливается, поэтому операция обратима и не требует повторного
// согласования.
package media
