// internal/services/session_service.go
package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Lianues/manosaba-ai/internal/errors"
	"github.com/Lianues/manosaba-ai/internal/models"
	"github.com/Lianues/manosaba-ai/internal/parser"
	"github.com/Lianues/manosaba-ai/internal/storage"
	"github.com/Lianues/manosaba-ai/internal/utils"
)

// SessionService 会话持久化与阶段推进
type SessionService struct {
	store    storage.Store
	locks    *LockManager
	progress *ProgressService
	metrics  *utils.APIMetrics
	logger   *utils.Logger
}

// NewSessionService 创建会话服务
func NewSessionService(store storage.Store, locks *LockManager, progress *ProgressService) *SessionService {
	return &SessionService{
		store:    store,
		locks:    locks,
		progress: progress,
		metrics:  utils.NewAPIMetrics(),
		logger:   utils.GetLogger(),
	}
}

func sessionKey(id string) string { return "session:" + id }
func outlineKey(id string) string { return "outline:" + id }

// Create 创建新会话
func (s *SessionService) Create(ctx context.Context) (*models.Session, error) {
	sess := models.NewSession(uuid.New().String())
	if err := storage.PutJSON(ctx, s.store, sessionKey(sess.ID), sess); err != nil {
		return nil, apperrors.WrapError(err, "保存会话失败", apperrors.ErrorTypeError)
	}
	s.metrics.Collector().IncrementCounter("sessions_created_total")
	s.logger.Info("会话已创建", map[string]interface{}{"session_id": sess.ID})
	return sess, nil
}

// Get 读取会话
func (s *SessionService) Get(ctx context.Context, id string) (*models.Session, error) {
	if id == "" {
		return nil, apperrors.NewFieldValidationError("缺少会话ID", map[string]string{"sessionId": "必填"})
	}
	var sess models.Session
	if err := storage.GetJSON(ctx, s.store, sessionKey(id), &sess); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("会话不存在: "+id, err)
		}
		return nil, apperrors.WrapError(err, "读取会话失败", apperrors.ErrorTypeError)
	}
	if sess.Stories == nil {
		sess.Stories = make(map[string]models.SectionStory)
	}
	return &sess, nil
}

// Save 写回会话
func (s *SessionService) Save(ctx context.Context, sess *models.Session) error {
	sess.UpdatedAt = time.Now()
	return s.locks.ExecuteWithSessionLock(sess.ID, func() error {
		if err := storage.PutJSON(ctx, s.store, sessionKey(sess.ID), sess); err != nil {
			return apperrors.WrapError(err, "保存会话失败", apperrors.ErrorTypeError)
		}
		return nil
	})
}

// GetOutlineXML 返回会话最近一次保存的大纲 XML
func (s *SessionService) GetOutlineXML(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", apperrors.NewFieldValidationError("缺少会话ID", map[string]string{"sessionId": "必填"})
	}
	data, err := s.store.Get(ctx, outlineKey(id))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return "", apperrors.WrapError(err, "读取大纲失败", apperrors.ErrorTypeError)
		}
		// 附属条目缺失时以会话中已提交的大纲为准
		if sess, getErr := s.Get(ctx, id); getErr == nil && sess.OutlineXML != "" {
			return sess.OutlineXML, nil
		}
		return "", apperrors.NewNotFoundError("大纲不存在: "+id, err)
	}
	return string(data), nil
}

// SaveOutlineXML 保存大纲 XML；会话尚无正文且 XML 可解析时同步更新会话大纲
func (s *SessionService) SaveOutlineXML(ctx context.Context, id, xml string) error {
	if id == "" {
		return apperrors.NewFieldValidationError("缺少会话ID", map[string]string{"sessionId": "必填"})
	}
	release, ok := s.locks.TryAcquire(id)
	if !ok {
		return apperrors.NewConflictError("会话正在生成中，请稍后再试", nil)
	}
	defer release()

	if err := s.store.Put(ctx, outlineKey(id), []byte(xml)); err != nil {
		return apperrors.WrapError(err, "保存大纲失败", apperrors.ErrorTypeError)
	}

	sess, err := s.Get(ctx, id)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			return nil
		}
		return err
	}
	if sess.HasStories() {
		return nil
	}
	outline := parser.ParseOutline(xml)
	if outline == nil {
		return nil
	}
	sess.Outline = outline
	sess.OutlineXML = xml
	sess.Stage = deriveStage(sess)
	return s.Save(ctx, sess)
}

// stageRun 一次阶段执行
type stageRun struct {
	// Running 执行期间写入会话的阶段
	Running models.Stage
	// Check 前置条件，失败时不修改会话
	Check func(sess *models.Session) error
	// Work 调用模型并在成功时修改会话
	Work func(ctx context.Context, sess *models.Session) error
	// AfterCommit 会话提交成功后写入附属数据，失败只记录日志
	AfterCommit func(ctx context.Context, sess *models.Session) error
}

// runStage 在会话忙碌标记下执行阶段：同一会话并发请求直接返回冲突
func (s *SessionService) runStage(ctx context.Context, sessionID string, run stageRun) error {
	release, ok := s.locks.TryAcquire(sessionID)
	if !ok {
		return apperrors.NewConflictError("会话正在生成中，请稍后再试", nil)
	}
	defer release()

	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if run.Check != nil {
		if err := run.Check(sess); err != nil {
			return err
		}
	}

	sess.Stage = run.Running
	if err := s.Save(ctx, sess); err != nil {
		return err
	}
	s.progress.Emit(sessionID, EventStageStarted, run.Running, "", nil)
	start := time.Now()

	// 调用方断开后仍需写回阶段结果
	commitCtx := context.WithoutCancel(ctx)
	if err := run.Work(ctx, sess); err != nil {
		// 产物保持不变，只记录失败阶段
		failed, getErr := s.Get(commitCtx, sessionID)
		if getErr != nil {
			failed = sess
		}
		failed.Stage = models.StageError
		failed.FailedStage = run.Running
		failed.LastError = err.Error()
		if saveErr := s.Save(commitCtx, failed); saveErr != nil {
			s.logger.Error("保存失败状态出错", map[string]interface{}{"session_id": sessionID, "error": saveErr})
		}
		s.progress.Emit(sessionID, EventStageFailed, run.Running, err.Error(), nil)
		s.metrics.RecordStage(string(run.Running), "failed")
		s.logger.Warn("阶段执行失败", map[string]interface{}{
			"session_id": sessionID,
			"stage":      run.Running,
			"error":      err,
			"elapsed_ms": time.Since(start).Milliseconds(),
		})
		return err
	}

	sess.Stage = deriveStage(sess)
	sess.FailedStage = ""
	sess.LastError = ""
	if err := s.Save(commitCtx, sess); err != nil {
		return err
	}
	if run.AfterCommit != nil {
		if err := run.AfterCommit(commitCtx, sess); err != nil {
			s.logger.Error("写入阶段附属数据失败", map[string]interface{}{"session_id": sessionID, "stage": run.Running, "error": err})
		}
	}
	s.progress.Emit(sessionID, EventStageCompleted, sess.Stage, "", nil)
	s.metrics.RecordStage(string(run.Running), "completed")
	s.logger.Info("阶段执行完成", map[string]interface{}{
		"session_id": sessionID,
		"stage":      sess.Stage,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	return nil
}
