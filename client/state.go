package client

// State 연결 상태 머신
type State int

const (
	StateDisconnected State = iota // 초기 상태, 연결 없음
	StateConnecting                // 핸드셰이크 진행 중
	StateConnected                 // 연결됨, 아직 룸 미참가
	StateJoining                   // join 요청 전송, 스냅샷 대기
	StateJoined                    // 룸 참가 완료
	StateReconnecting              // 재연결 백오프 진행 중
	StateOffline                   // 오프라인 모드 (로컬 버퍼로 동작)
)

// String 상태를 문자열로 반환
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateReconnecting:
		return "reconnecting"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}
