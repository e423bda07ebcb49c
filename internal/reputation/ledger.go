package reputation

import (
	stdErrors "errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/storage/snapshot"
	"AgentMesh/pkg/logger"
)

// Direction 是投票方向。
type Direction string

const (
	VoteUp   Direction = "up"
	VoteDown Direction = "down"
)

// historyCap 限制每位专家保留的投票明细数量，超出后淘汰最早的条目。
const historyCap = 100

// Vote 是一条投票明细。
type Vote struct {
	Voter      string    `json:"voter"`
	TaskID     string    `json:"task_id"`
	Specialist string    `json:"specialist"`
	Direction  Direction `json:"direction"`
	CreatedAt  int64     `json:"created_at"`
}

// SpecialistRecord 汇总一位专家的信誉状态。
type SpecialistRecord struct {
	ID           string `json:"id"`
	Upvotes      int    `json:"upvotes"`
	Downvotes    int    `json:"downvotes"`
	Completed    int    `json:"completed"`
	Failed       int    `json:"failed"`
	History      []Vote `json:"history,omitempty"`
	LastSyncedAt int64  `json:"last_synced_at,omitempty"`
}

// voteEntry 记录某个（投票人, 任务）对的当前有效投票。
type voteEntry struct {
	Specialist string    `json:"specialist"`
	Direction  Direction `json:"direction"`
}

// ledgerSnapshot 是信誉账本持久化文件的结构。
type ledgerSnapshot struct {
	Specialists    map[string]*SpecialistRecord `json:"specialists"`
	VoterTaskIndex map[string]voteEntry         `json:"voter_task_index"`
}

// Ledger 维护基于投票的专家信誉账本。
// 同一（投票人, 任务）对只存在一票有效投票：同方向重投被拒绝，
// 反方向重投视为改票，先撤销旧票再计入新票，总票数不变。
type Ledger struct {
	mu          sync.Mutex
	specialists map[string]*SpecialistRecord
	voterIndex  map[string]voteEntry
	dirty       map[string]struct{}
	repo        snapshot.Repository
}

// NewLedger 构造信誉账本并从快照恢复历史状态。
func NewLedger(repo snapshot.Repository) (*Ledger, error) {
	l := &Ledger{
		specialists: make(map[string]*SpecialistRecord),
		voterIndex:  make(map[string]voteEntry),
		dirty:       make(map[string]struct{}),
		repo:        repo,
	}
	if repo != nil {
		var restored ledgerSnapshot
		if err := repo.Load(&restored); err != nil {
			if !stdErrors.Is(err, snapshot.ErrNotExist) {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "恢复信誉账本失败")
			}
		} else {
			if restored.Specialists != nil {
				l.specialists = restored.Specialists
			}
			if restored.VoterTaskIndex != nil {
				l.voterIndex = restored.VoterTaskIndex
			}
		}
	}
	return l, nil
}

// ErrDuplicateVote 表示同一投票人对同一任务重复投出相同方向的票。
var ErrDuplicateVote = xerrors.New(xerrors.CodeConflict, "重复投票")

// SubmitVote 记录一票。返回值 changed 表示账本计数是否发生变化。
func (l *Ledger) SubmitVote(voter, taskID, specialistID string, direction Direction) (bool, error) {
	voter = strings.TrimSpace(voter)
	taskID = strings.TrimSpace(taskID)
	specialistID = strings.TrimSpace(specialistID)
	if voter == "" || taskID == "" || specialistID == "" {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "投票人、任务与专家均不能为空")
	}
	if direction != VoteUp && direction != VoteDown {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "投票方向必须是 up 或 down")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := voter + "|" + taskID
	if previous, exists := l.voterIndex[key]; exists {
		if previous.Direction == direction {
			return false, ErrDuplicateVote
		}
		// 改票：撤销原方向的计票。
		if record, ok := l.specialists[previous.Specialist]; ok {
			if previous.Direction == VoteUp {
				record.Upvotes--
			} else {
				record.Downvotes--
			}
			l.dirty[previous.Specialist] = struct{}{}
		}
	}

	record := l.ensureLocked(specialistID)
	if direction == VoteUp {
		record.Upvotes++
	} else {
		record.Downvotes++
	}
	record.History = append(record.History, Vote{
		Voter:      voter,
		TaskID:     taskID,
		Specialist: specialistID,
		Direction:  direction,
		CreatedAt:  time.Now().Unix(),
	})
	if len(record.History) > historyCap {
		record.History = record.History[len(record.History)-historyCap:]
	}
	l.voterIndex[key] = voteEntry{Specialist: specialistID, Direction: direction}
	l.dirty[specialistID] = struct{}{}
	l.persistLocked()

	logger.Audit().Info("记录信誉投票",
		slog.String("voter", voter),
		slog.String("task_id", taskID),
		slog.String("specialist", specialistID),
		slog.String("direction", string(direction)),
	)
	return true, nil
}

// VoteFor 返回某投票人对某任务的当前有效投票。
func (l *Ledger) VoteFor(voter, taskID string) (Direction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, exists := l.voterIndex[voter+"|"+taskID]
	if !exists {
		return "", false
	}
	return entry.Direction, true
}

// SuccessRate 返回专家的成功率百分比。
// 无任何投票时返回 100，给新专家一个中性起点。
func (l *Ledger) SuccessRate(specialistID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, exists := l.specialists[specialistID]
	if !exists {
		return 100
	}
	total := record.Upvotes + record.Downvotes
	if total <= 0 {
		return 100
	}
	return int(math.Round(float64(record.Upvotes) / float64(total) * 100))
}

// RecordOutcome 记录一次任务的执行结果计数，与投票体系互不影响。
func (l *Ledger) RecordOutcome(specialistID string, success bool) {
	if strings.TrimSpace(specialistID) == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	record := l.ensureLocked(specialistID)
	if success {
		record.Completed++
	} else {
		record.Failed++
	}
	l.dirty[specialistID] = struct{}{}
	l.persistLocked()
}

// MarkSynced 更新专家信誉向外部系统同步的时间戳，并清除其待同步标记。
func (l *Ledger) MarkSynced(specialistID string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record := l.ensureLocked(specialistID)
	record.LastSyncedAt = at.Unix()
	delete(l.dirty, specialistID)
	l.persistLocked()
}

// PendingSync 返回自上次同步以来发生过变化的专家记录，按 ID 排序。
// 待同步标记只在内存中维护，进程重启后由新的变更重新积累。
func (l *Ledger) PendingSync() []SpecialistRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.dirty))
	for id := range l.dirty {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]SpecialistRecord, 0, len(ids))
	for _, id := range ids {
		record, exists := l.specialists[id]
		if !exists {
			continue
		}
		view := *record
		view.History = append([]Vote(nil), record.History...)
		out = append(out, view)
	}
	return out
}

// Summary 返回专家信誉的只读快照，不存在时返回零值记录。
func (l *Ledger) Summary(specialistID string) SpecialistRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, exists := l.specialists[specialistID]
	if !exists {
		return SpecialistRecord{ID: specialistID}
	}
	view := *record
	view.History = append([]Vote(nil), record.History...)
	return view
}

// Summaries 返回全部专家的信誉快照。
func (l *Ledger) Summaries() []SpecialistRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SpecialistRecord, 0, len(l.specialists))
	for _, record := range l.specialists {
		view := *record
		view.History = append([]Vote(nil), record.History...)
		out = append(out, view)
	}
	return out
}

// ensureLocked 取出或初始化专家记录，调用方必须持有锁。
func (l *Ledger) ensureLocked(specialistID string) *SpecialistRecord {
	record, exists := l.specialists[specialistID]
	if !exists {
		record = &SpecialistRecord{ID: specialistID}
		l.specialists[specialistID] = record
	}
	return record
}

// persistLocked 持久化账本快照，调用方必须持有锁。
func (l *Ledger) persistLocked() {
	if l.repo == nil {
		return
	}
	state := ledgerSnapshot{Specialists: l.specialists, VoterTaskIndex: l.voterIndex}
	if err := l.repo.Save(state); err != nil {
		logger.L().Error("持久化信誉账本失败", slog.Any("error", err))
	}
}
