package zion

import (
	"fmt"
	"sync"

	"github.com/pborman/uuid"
	zmq "github.com/pebbe/zmq4"
)

const zmqChanCap = 1024

const zmqClose = "close"

// zsocket zmq socket 不是并发安全的：mainLoop 独占 socket，
// 发送经 inproc PUSH/PULL 转交给 mainLoop，关闭指令经 PAIR 管道
type zsocket struct {
	id       string
	socket   *zmq.Socket
	endpoint string
	recvChan chan [][]byte
	sendChan chan [][]byte
	closeCh  chan struct{}
	done     chan struct{}
	once     sync.Once
	logger   Logger
}

// newZSocket bind 为 true 时监听 endpoint，否则连接 endpoint
func newZSocket(t zmq.Type, endpoint string, bind bool, identity string, logger Logger) (*zsocket, error) {
	soc, err := zmq.NewSocket(t)
	if err != nil {
		return nil, err
	}
	if identity != "" {
		if err := soc.SetIdentity(identity); err != nil {
			soc.Close()
			return nil, err
		}
	}
	soc.SetLinger(0)
	if bind {
		err = soc.Bind(endpoint)
	} else {
		err = soc.Connect(endpoint)
	}
	if err != nil {
		soc.Close()
		return nil, err
	}

	s := &zsocket{
		id:       uuid.NewRandom().String(),
		socket:   soc,
		endpoint: endpoint,
		recvChan: make(chan [][]byte, zmqChanCap),
		sendChan: make(chan [][]byte, zmqChanCap),
		closeCh:  make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.WithField("endpoint", endpoint),
	}
	ready := make(chan struct{})
	go s.sendLoop(ready)
	<-ready
	go s.mainLoop()
	return s, nil
}

func (s *zsocket) mainLoop() {
	defer close(s.done)
	defer close(s.recvChan)
	defer s.socket.Close()

	// 用于接收 send 消息
	localPull, err := zmq.NewSocket(zmq.PULL)
	if err != nil {
		s.logger.WithError(err).Errorf("zmq: new pull socket")
		return
	}
	defer localPull.Close()
	if err := localPull.Connect(fmt.Sprintf("inproc://zion_pull_%s", s.id)); err != nil {
		s.logger.WithError(err).Errorf("zmq: connect pull socket")
		return
	}

	// pipe 用于接收指令
	pipe, err := zmq.NewSocket(zmq.PAIR)
	if err != nil {
		s.logger.WithError(err).Errorf("zmq: new pipe")
		return
	}
	defer pipe.Close()
	if err := pipe.Connect(fmt.Sprintf("inproc://zion_pipe_%s", s.id)); err != nil {
		s.logger.WithError(err).Errorf("zmq: connect pipe")
		return
	}

	poller := zmq.NewPoller()
	poller.Add(s.socket, zmq.POLLIN)
	poller.Add(localPull, zmq.POLLIN)
	poller.Add(pipe, zmq.POLLIN)
	for {
		polls, err := poller.Poll(-1)
		if err != nil {
			if zmq.AsErrno(err) == zmq.ETERM {
				return
			}
			s.logger.WithError(err).Warnf("zmq: poll")
			continue
		}

		for _, p := range polls {
			switch soc := p.Socket; soc {
			case pipe:
				cmd, err := pipe.RecvMessage(0)
				if err != nil || (len(cmd) > 0 && cmd[0] == zmqClose) {
					return
				}
			case localPull:
				msg, err := localPull.RecvMessageBytes(0)
				if err != nil {
					s.logger.WithError(err).Warnf("zmq: recv local")
					continue
				}
				if _, err := s.socket.SendMessage(msg); err != nil {
					s.logger.WithError(err).Warnf("zmq: send")
				}
			case s.socket:
				msg, err := s.socket.RecvMessageBytes(0)
				if err != nil {
					s.logger.WithError(err).Warnf("zmq: recv")
					continue
				}
				select {
				case s.recvChan <- msg:
				case <-s.closeCh:
					return
				}
			}
		}
	}
}

func (s *zsocket) sendLoop(ready chan struct{}) {
	localPush, err := zmq.NewSocket(zmq.PUSH)
	if err != nil {
		s.logger.WithError(err).Errorf("zmq: new push socket")
		close(ready)
		return
	}
	defer localPush.Close()
	if err := localPush.Bind(fmt.Sprintf("inproc://zion_pull_%s", s.id)); err != nil {
		s.logger.WithError(err).Errorf("zmq: bind push socket")
		close(ready)
		return
	}

	pipe, err := zmq.NewSocket(zmq.PAIR)
	if err != nil {
		s.logger.WithError(err).Errorf("zmq: new pipe")
		close(ready)
		return
	}
	defer pipe.Close()
	if err := pipe.Bind(fmt.Sprintf("inproc://zion_pipe_%s", s.id)); err != nil {
		s.logger.WithError(err).Errorf("zmq: bind pipe")
		close(ready)
		return
	}
	close(ready)

	for {
		select {
		case <-s.closeCh:
			// mainLoop 已退出时管道没有对端，不能阻塞
			if _, err := pipe.Send(zmqClose, zmq.DONTWAIT); err != nil {
				s.logger.WithError(err).Debugf("zmq: send close")
			}
			<-s.done
			return
		case <-s.done:
			return
		case msg := <-s.sendChan:
			if _, err := localPush.SendMessage(msg); err != nil {
				s.logger.WithError(err).Warnf("zmq: send local")
			}
		}
	}
}

// Recv 收到的多帧消息，socket 关闭后 channel 被关闭
func (s *zsocket) Recv() <-chan [][]byte {
	return s.recvChan
}

// Send 不阻塞地提交发送，发送缓冲满时等待
func (s *zsocket) Send(msg [][]byte) error {
	select {
	case <-s.done:
		return ErrConnectionClosed
	case s.sendChan <- msg:
		return nil
	}
}

// Close 关闭 socket，等待 mainLoop 退出
func (s *zsocket) Close() {
	s.once.Do(func() {
		close(s.closeCh)
	})
	<-s.done
}
