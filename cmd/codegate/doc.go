// Copyright (c) CodeGate Authors.
// Licensed under the MIT License.

/*
Package main 提供 CodeGate 本地隐私网关的程序入口。

# 概述

cmd/codegate 是 CodeGate 的可执行入口: 在 AI 编码助手与上游 LLM
Provider 之间运行三个监听端口(Provider 网关、TLS 拦截代理、管理 API)，
对请求执行密钥/PII 可逆脱敏、工作区路由和审计记录。程序支持 YAML
配置文件加载、结构化日志(zap)、Prometheus 指标采集和数据库迁移。

# 核心类型

  - Server           — 主服务器，管理三个端口及优雅关闭
  - Middleware       — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter   — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve(启动服务)、migrate(数据库迁移)、generate-certs
    (预生成 CA)、import-packages(包情报批量导入)、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    CORS、RateLimiter(基于 IP)、Auth(X-API-Key / Bearer JWT)
  - TLS 拦截：CONNECT 端口按 SNI 终止已知 Provider 域名的 TLS，
    其余流量原样隧道
  - 优雅关闭：信号监听 → 关闭拦截器 → 关闭 HTTP → 刷审计队列 → Wait
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
