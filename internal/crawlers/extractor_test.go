package crawlers

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/RecoveryAshes/CommentHarvest/internal/models"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("读取测试数据失败: %v", err)
	}
	return data
}

func TestAPIExtractorParsePage(t *testing.T) {
	page, err := NewAPIExtractor().ParsePage("7300", "", 200, readFixture(t, "comment_page.json"))
	if err != nil {
		t.Fatalf("ParsePage() error = %v", err)
	}
	if page.Cursor != 20 || !page.HasMore || page.Total != 57 {
		t.Errorf("分页信息 = cursor:%d hasMore:%v total:%d", page.Cursor, page.HasMore, page.Total)
	}
	if len(page.Comments) != 2 {
		t.Fatalf("评论数 = %d, want 2", len(page.Comments))
	}

	first := page.Comments[0]
	c := first.Comment
	if c.ExternalID != "7301000000000000001" || c.AuthorHandle != "alice" || c.AuthorDisplayName != "Alice" {
		t.Errorf("第一条评论 = %+v", c)
	}
	if !c.IsTopLevel() {
		t.Errorf("reply_id为0应视为顶级评论")
	}
	if c.CreatedAt != 1700000000 || c.ParentItemID != "7300" {
		t.Errorf("createdAt=%d parentItemId=%s", c.CreatedAt, c.ParentItemID)
	}
	if c.AuthorAvatarURL == nil || *c.AuthorAvatarURL != "https://p16.example.com/a.jpeg" {
		t.Errorf("头像地址 = %v", c.AuthorAvatarURL)
	}
	if len(first.Inline) != 1 || !first.NeedsReplyPages() {
		t.Errorf("inline=%d declared=%d", len(first.Inline), first.Declared)
	}
	reply := first.Inline[0]
	if reply.ParentCommentID == nil || *reply.ParentCommentID != c.ExternalID {
		t.Errorf("内联回复父评论 = %v", reply.ParentCommentID)
	}
	if reply.CreatedAt != 1700000100 || reply.ReplyToReplyID != nil {
		t.Errorf("内联回复 = %+v", reply)
	}

	second := page.Comments[1]
	if second.Comment.ExternalID != "7301000000000000002" {
		t.Errorf("数字编码的cid = %q", second.Comment.ExternalID)
	}
	if second.NeedsReplyPages() {
		t.Errorf("无回复的评论不需要回复分页")
	}
}

func TestAPIExtractorErrors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantRetryable bool
		wantBody      int
	}{
		{"空响应体", 200, "  ", true, 0},
		{"格式错误", 200, "<html></html>", true, 0},
		{"status_code非0", 200, `{"status_code":2154,"status_msg":"need login"}`, false, 2154},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAPIExtractor().ParsePage("1", "", tt.status, []byte(tt.body))
			var httpErr *models.HTTPError
			if !errors.As(err, &httpErr) {
				t.Fatalf("error = %v, want *HTTPError", err)
			}
			if httpErr.Retryable != tt.wantRetryable || httpErr.BodyStatus != tt.wantBody {
				t.Errorf("HTTPError = %+v", httpErr)
			}
		})
	}
}

func TestAPIExtractorMissingStatusCode(t *testing.T) {
	page, err := NewAPIExtractor().ParsePage("1", "9", 200, []byte(`{"comments":[{"cid":"5"}],"has_more":false}`))
	if err != nil {
		t.Fatalf("缺少status_code应视为成功: %v", err)
	}
	c := page.Comments[0].Comment
	if c.ParentCommentID == nil || *c.ParentCommentID != "9" {
		t.Errorf("回复分页的父评论 = %v", c.ParentCommentID)
	}
}

func TestAPIExtractorExtractFlattens(t *testing.T) {
	comments, err := NewAPIExtractor().Extract("7300", readFixture(t, "comment_page.json"))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	want := []string{"7301000000000000001", "7301000000000000011", "7301000000000000002"}
	if len(comments) != len(want) {
		t.Fatalf("评论数 = %d, want %d", len(comments), len(want))
	}
	for i, id := range want {
		if comments[i].ExternalID != id {
			t.Errorf("comments[%d] = %s, want %s", i, comments[i].ExternalID, id)
		}
	}
}

func TestFiberExtractor(t *testing.T) {
	comments, err := NewFiberExtractor().Extract("7300", readFixture(t, "fiber_records.json"))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(comments) != 3 {
		t.Fatalf("评论数 = %d, want 3", len(comments))
	}

	tests := []struct {
		name       string
		index      int
		wantParent string
		wantText   string
		wantReply  string
	}{
		{"顶级评论", 0, "", "第一条评论", ""},
		{"二级节点按线程推断父评论", 1, "7301000000000000001", "仅DOM中可见的回复", ""},
		{"楼中楼回复", 2, "7301000000000000001", "楼中楼", "7301000000000000011"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := comments[tt.index]
			parent := ""
			if c.ParentCommentID != nil {
				parent = *c.ParentCommentID
			}
			if parent != tt.wantParent {
				t.Errorf("parent = %q, want %q", parent, tt.wantParent)
			}
			if c.Text != tt.wantText {
				t.Errorf("text = %q, want %q", c.Text, tt.wantText)
			}
			reply := ""
			if c.ReplyToReplyID != nil {
				reply = *c.ReplyToReplyID
			}
			if reply != tt.wantReply {
				t.Errorf("replyTo = %q, want %q", reply, tt.wantReply)
			}
		})
	}

	if comments[0].ReplyCount == nil || *comments[0].ReplyCount != 2 {
		t.Errorf("replyCount = %v", comments[0].ReplyCount)
	}
}

func TestFiberExtractorInvalidJSON(t *testing.T) {
	if _, err := NewFiberExtractor().Extract("1", []byte("{")); err == nil {
		t.Error("期望解析错误")
	}
}
