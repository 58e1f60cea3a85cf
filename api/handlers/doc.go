// Copyright (c) CodeGate Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 CodeGate 管理 API 的请求处理器实现。

# 概述

handlers 包实现了管理端口上所有 /api/v1 端点的请求处理逻辑，
包括工作区生命周期、Provider 端点 CRUD、审计读取、证书下载、
WebSocket 告警推送以及统一的响应/错误处理。
所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - WorkspaceHandler — 工作区 CRUD、激活、归档/恢复、路由规则
  - ProviderHandler  — Provider 端点 CRUD 与模型列表
  - AuditHandler     — 提示词与告警审计读取
  - CertHandler      — CA 证书下载
  - AlertFeed        — WebSocket 告警实时推送
  - HealthHandler    — 服务健康检查（/health, /healthz, /ready）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 统一响应格式：WriteSuccess / WriteCreated / WriteError 辅助函数
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）
  - 领域哨兵错误 → HTTP 状态码自动映射（404/409/400）
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
