// Package web3 定义舰队访问 JSON-RPC 节点所需的最小客户端接口，以及把
// go-ethereum 与节点返回的错误归类为统一错误码的逻辑。具体实现位于
// web3/ethereum，准入限流装饰器位于 web3/limiter。
package web3
