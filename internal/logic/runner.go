package logic

// TaskRunner 提交事务提交后的异步步骤，ants.Pool 满足该接口
type TaskRunner interface {
	Submit(task func()) error
}

// SyncRunner 在当前协程中直接执行，测试和单机调试使用
type SyncRunner struct{}

func (SyncRunner) Submit(task func()) error {
	task()
	return nil
}
