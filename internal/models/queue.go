package models

// QueueItem 批量队列中的一个视频
type QueueItem struct {
	// Index 在批次中的位置(从0开始)
	Index int

	// ItemID 规范化后的视频ID
	ItemID string

	// Source 用户提交的原始输入(ID或URL,用于日志)
	Source string
}
