package persistence

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"sync"
)

const (
	entryFailed   = "FAILED"
	entryRecorded = "RECORDED"
)

// spoolEntry 死信文件中的一行
type spoolEntry struct {
	Type  string `json:"type"`
	Job   *Job   `json:"job,omitempty"`
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error,omitempty"`
}

// Spool 重试耗尽的持久化任务的追加写日志 (JSON lines)。
// 启动时 Recover 取回尚未补写成功的任务重新入队。
type Spool struct {
	file *os.File
	mu   sync.Mutex
}

// OpenSpool 创建或打开死信文件
func OpenSpool(path string) (*Spool, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &Spool{file: file}, nil
}

// Append 记录一个最终失败的任务
func (s *Spool) Append(job Job, cause error) error {
	entry := spoolEntry{Type: entryFailed, Job: &job}
	if cause != nil {
		entry.Error = cause.Error()
	}
	return s.write(entry)
}

// Complete 标记任务已补写成功
func (s *Spool) Complete(jobID string) error {
	return s.write(spoolEntry{Type: entryRecorded, JobID: jobID})
}

func (s *Spool) write(entry spoolEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return err
	}
	return s.file.Sync()
}

// Recover 返回尚未标记完成的任务，按写入顺序
func (s *Spool) Recover() ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var order []string
	pending := make(map[string]Job)
	done := make(map[string]bool)

	scanner := bufio.NewScanner(s.file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry spoolEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// 忽略损坏的行 (进程在写入中途退出)
			continue
		}
		switch entry.Type {
		case entryFailed:
			if entry.Job == nil {
				continue
			}
			if _, seen := pending[entry.Job.ID]; !seen {
				order = append(order, entry.Job.ID)
			}
			pending[entry.Job.ID] = *entry.Job
		case entryRecorded:
			done[entry.JobID] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var jobs []Job
	for _, id := range order {
		if !done[id] {
			jobs = append(jobs, pending[id])
		}
	}

	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Close 关闭文件
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
