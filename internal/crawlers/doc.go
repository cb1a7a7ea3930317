// Package crawlers 提供评论采集的两条路径:接口分页重放与DOM滚动提取
//
// # 概述
//
// crawlers包驱动一个浏览器标签页(go-rod),先尝试复用页面自身的签名函数重放评论接口,
// 接口路径失败时回退到虚拟列表滚动提取。页面内的所有操作都通过嵌入的 bridge.js
// 以序列化消息完成,Go侧与页面之间不共享任何引用。
//
// # 核心组件
//
// ## APIEngine (接口分页引擎)
//
// 等待基线参数 → 发现签名函数 → 逐页请求(游标分页) → 展开回复分页。
// 429/空响应/格式错误/5xx按指数退避重试,其余错误立即返回,由调用方决定是否回退。
//
//	engine := NewAPIEngine(cfg, capture, signer, NewPageFetcher(tab.Bridge))
//	summary, err := engine.FetchAllComments(ctx, itemID, store)
//	if models.IsFallback(err) {
//	    // 回退到DOMEngine
//	}
//
// ## DOMEngine (滚动提取引擎)
//
// 每轮: 提取当前渲染的评论 → 点击"查看回复" → 滚动并等待增长。
// 连续两轮无新增且无增长时结束;同一线程连续3次展开无效后放弃该线程。
//
//	engine := NewDOMEngine(cfg, NewCommentSurface(tab.Bridge, itemID), session)
//	engine.Seed(summary.SeenIDs)
//	res, err := engine.ScrapeCurrentItem(ctx, maxComments, store)
//
// ## ParamCapture / PageSigner
//
// ParamCapture 被动观察页面发出的第一个评论接口请求,剔除每请求字段后作为基线;
// PageSigner 在页面全局对象中查找签名函数,主框架导航后两者都失效。
//
// ## TabManager (标签页管理)
//
// 打开标签页前检查 ResourceMonitor,紧急内存压力下拒绝创建;
// 网络请求、响应、导航、关闭事件分发给基线捕获、限流监视器和会话管理器。
//
// # 配置参数
//
//	collect:
//	  page_size: 20          # 每页评论数
//	  page_delay: 1s         # 页间间隔
//	  max_retries: 3
//	  stable_iterations: 2   # 连续无增长轮数
//	  near_end_threshold: 3  # 少量新增提前结束,0为关闭
//
// # 并发安全
//
//   - ParamCapture / PageSigner / ResourceMonitor / TabManager: sync.Mutex
//   - APIEngine / DOMEngine: 单次调用内单goroutine使用,不可并发复用
package crawlers
